package database

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type widget struct {
	ID   uint
	Name string
}

func TestNewSQLiteAndMigrate(t *testing.T) {
	db, err := New(&Config{Driver: "sqlite", FilePath: filepath.Join(t.TempDir(), "test.db"), LogLevel: "silent"})
	require.NoError(t, err)
	defer Close(db)

	require.NoError(t, AutoMigrate(db, &widget{}))
	require.NoError(t, db.Create(&widget{Name: "a"}).Error)

	var count int64
	require.NoError(t, db.Model(&widget{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestNewRejectsUnknownDriver(t *testing.T) {
	_, err := New(&Config{Driver: "oracle"})
	assert.ErrorContains(t, err, "unsupported database driver")
}
