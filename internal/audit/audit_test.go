package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/weiawesome/thumbing/pkg/log"
)

func TestLogWritesAuditEntry(t *testing.T) {
	var buf bytes.Buffer
	ctx := log.WithLogger(context.Background(), log.New(log.Config{Output: &buf}))

	LogWithDetail(ctx, ActionFail, "sub-1", "https://example.com/hook", "3 consecutive failures", "subscription failed")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, log.LogTypeAudit, entry[log.FieldLogType])
	assert.Equal(t, ActionFail, entry[FieldAction])
	assert.Equal(t, "sub-1", entry[log.FieldSubscriptionID])
	assert.Equal(t, "https://example.com/hook", entry[log.FieldEndpointURL])
	assert.Equal(t, "3 consecutive failures", entry[FieldDetail])
}
