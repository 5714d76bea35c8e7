package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weiawesome/thumbing/internal/event"
	"github.com/weiawesome/thumbing/internal/objectstore"
	"github.com/weiawesome/thumbing/internal/subscription"
	"github.com/weiawesome/thumbing/pkg/storage"
)

type cliTestEnv struct {
	baseDir    string
	configPath string
}

func setupCLITestEnv(t *testing.T) *cliTestEnv {
	t.Helper()

	base := t.TempDir()
	configPath := filepath.Join(base, "thumbing.yaml")
	cfg := fmt.Sprintf(`log:
  level: error
stores:
  type: local
  ingestion_bucket: uploads
  output_bucket: assets
  local:
    base_path: %s
subscription:
  backend: gorm
  token_secret: cli-test-secret-0123456789
  database:
    driver: sqlite
    file_path: %s
    log_level: silent
`, filepath.Join(base, "storage"), filepath.Join(base, "db", "subs.db"))
	require.NoError(t, os.WriteFile(configPath, []byte(cfg), 0o644))

	return &cliTestEnv{baseDir: base, configPath: configPath}
}

func (e *cliTestEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestPolicyCommandRendersBothStores(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "policy")
	require.NoError(t, err)

	var doc struct {
		Statement []struct {
			Action   []string
			Resource []string
		}
	}
	require.NoError(t, json.Unmarshal([]byte(out), &doc))
	require.Len(t, doc.Statement, 2)
	assert.Equal(t, []string{"arn:aws:s3:::uploads/*"}, doc.Statement[0].Resource)
	assert.Equal(t, []string{"arn:aws:s3:::assets/*"}, doc.Statement[1].Resource)
	assert.ElementsMatch(t, []string{"s3:GetObject", "s3:PutObject"}, doc.Statement[0].Action)
}

func TestPolicyCommandTable(t *testing.T) {
	env := setupCLITestEnv(t)

	out, err := env.run(t, "policy", "--table", "--principal", "ops")
	require.NoError(t, err)
	assert.Contains(t, out, "arn:aws:s3:::uploads/*")
	assert.Contains(t, out, "ops")
}

func TestReplayDryRunFromLocalStore(t *testing.T) {
	env := setupCLITestEnv(t)
	dir := filepath.Join(env.baseDir, "storage", "uploads", "input")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cat.jpg"), []byte("jpeg"), 0o644))

	out, err := env.run(t, "replay", "--dry-run", "input/cat.jpg")
	require.NoError(t, err)
	assert.Contains(t, out, "would replay uploads/input/cat.jpg")
	assert.Contains(t, out, "replayed 1 of 1 objects from uploads")

	_, err = env.run(t, "replay", "--dry-run", "input/missing.jpg")
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReplayRequiresTargets(t *testing.T) {
	env := setupCLITestEnv(t)

	_, err := env.run(t, "replay")
	require.Error(t, err)
}

func TestReplayerListsPrefixAndSkipsForeignKeys(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemoryStorage()
	require.NoError(t, backend.Write(ctx, "input/a.png", strings.NewReader("aaaa"), 4, "image/png"))
	require.NoError(t, backend.Write(ctx, "input/b.jpg", strings.NewReader("bb"), 2, "image/jpeg"))
	require.NoError(t, backend.Write(ctx, "other/c.jpg", strings.NewReader("c"), 1, "image/jpeg"))

	emitter := objectstore.NewChannelEmitter(8)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	r := &replayer{
		store:   "uploads",
		prefix:  event.NamespacePrefix("input/"),
		backend: backend,
		emitter: emitter,
		now:     func() time.Time { return at },
	}

	var out bytes.Buffer
	err := r.run(ctx, &out, []string{"other/c.jpg"}, "input/")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "outside input prefix")
	assert.Contains(t, out.String(), "replayed 2 of 3 objects")

	emitter.Close()
	var got []event.StorageEvent
	for ev := range emitter.Events() {
		got = append(got, ev)
	}
	require.Len(t, got, 2)
	seen := map[string]int64{}
	ids := map[string]bool{}
	for _, ev := range got {
		assert.Equal(t, "uploads", ev.Store)
		assert.Equal(t, event.ObjectCreatedReplay, ev.EventName)
		assert.Equal(t, at, ev.EventTime)
		seen[ev.Key] = ev.Size
		ids[ev.EventID] = true
	}
	assert.Equal(t, map[string]int64{"input/a.png": 4, "input/b.jpg": 2}, seen)
	assert.Len(t, ids, 2)
}

func TestSubscriptionsRegisterListUnregister(t *testing.T) {
	env := setupCLITestEnv(t)
	endpoint := "https://hooks.example.com/thumbs"

	out, err := env.run(t, "subscriptions", "register", "--confirmed", endpoint)
	require.NoError(t, err)
	assert.Contains(t, out, string(subscription.StatusConfirmed))

	out, err = env.run(t, "subs", "list", "--json")
	require.NoError(t, err)
	var subs []subscription.Subscription
	require.NoError(t, json.Unmarshal([]byte(out), &subs))
	require.Len(t, subs, 1)
	assert.Equal(t, endpoint, subs[0].EndpointURL)
	assert.Equal(t, subscription.StatusConfirmed, subs[0].Status)

	out, err = env.run(t, "subscriptions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, endpoint)

	_, err = env.run(t, "subscriptions", "unregister", endpoint)
	require.NoError(t, err)

	out, err = env.run(t, "subscriptions", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "no subscriptions")
}
