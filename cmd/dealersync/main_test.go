package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezcar24/dealersync/internal/record"
	dealersync "github.com/ezcar24/dealersync/internal/sync"
	"github.com/ezcar24/dealersync/internal/ui"
)

// backend is a minimal fake of the remote RPC API.
type backend struct {
	mu      sync.Mutex
	upserts map[string]int
}

func newBackend(t *testing.T) (*backend, *httptest.Server) {
	t.Helper()
	b := &backend{upserts: make(map[string]int)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rpc := strings.TrimPrefix(r.URL.Path, "/rest/v1/rpc/")
		switch {
		case rpc == "get_changes":
			w.Header().Set("Content-Type", "application/json")
			_, _ = io.WriteString(w, `{}`)
		case strings.HasPrefix(rpc, "sync_"):
			var body struct {
				Payload []json.RawMessage `json:"payload"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			b.mu.Lock()
			b.upserts[rpc] += len(body.Payload)
			b.mu.Unlock()
			w.WriteHeader(http.StatusOK)
		default:
			w.WriteHeader(http.StatusNoContent)
		}
	}))
	t.Cleanup(srv.Close)
	return b, srv
}

func writeConfig(t *testing.T, remoteURL string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "dealersync.yaml")
	content := fmt.Sprintf(`dealer_id: dealer-1
database:
  path: %s
remote:
  url: %q
  api_key: test-key
  max_retries: 0
assets:
  cache_dir: %s
daemon:
  outbox_dir: %s
logging:
  level: error
  format: json
`, filepath.Join(dir, "db", "dealersync.db"), remoteURL, filepath.Join(dir, "images"), filepath.Join(dir, "outbox"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append([]string{"--no-color"}, args...))
	err := rootCmd.ExecuteContext(context.Background())
	closeLog()
	return out.String(), err
}

func TestParseSince(t *testing.T) {
	now := time.Date(2025, 5, 10, 15, 0, 0, 0, time.UTC)

	got, err := parseSince("2025-05-01T08:30:00Z", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 5, 1, 8, 30, 0, 0, time.UTC)))

	got, err = parseSince("2025-05-01", now)
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)))

	got, err = parseSince("yesterday", now)
	require.NoError(t, err)
	assert.True(t, got.Before(now))
	assert.True(t, got.After(now.Add(-48*time.Hour)))

	_, err = parseSince("the day the music died", now)
	assert.Error(t, err)
}

func TestPrintReport(t *testing.T) {
	ui.DisableColor()
	started := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	printReport(&buf, &dealersync.Report{
		Mode:       dealersync.ModeFull,
		StartedAt:  started,
		FinishedAt: started.Add(1250 * time.Millisecond),
		FullPull:   true,
		Fetched:    12,
		Filtered:   2,
		Merge: dealersync.MergeStats{
			record.Vehicle: {Created: 3, Updated: 1},
			record.Debt:    {Deleted: 1, Swept: 2, Orphaned: 1},
		},
		Push:       dealersync.PushStats{Sent: 9},
		QueueDepth: 1,
	})

	out := buf.String()
	assert.Contains(t, out, "full sync complete in 1.25s")
	assert.Contains(t, out, "Pull: full")
	assert.Contains(t, out, "Fetched: 12 (2 hidden by pending deletes)")
	assert.Contains(t, out, "Merged: 3 created, 1 updated, 1 deleted, 2 swept")
	assert.Contains(t, out, "1 records skipped for missing parents")
	assert.Contains(t, out, "Pushed: 9")
	assert.Contains(t, out, "Offline queue: 1")

	buf.Reset()
	printReport(&buf, &dealersync.Report{Mode: dealersync.ModeFast, Cancelled: true})
	assert.Contains(t, buf.String(), "fast sync cancelled")
}

func TestConfigInit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dealersync.toml")

	out, err := execute(t, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Wrote "+path)
	assert.FileExists(t, path)

	_, err = execute(t, "config", "init", path)
	assert.Error(t, err)

	_, err = execute(t, "config", "init", "--force", path)
	assert.NoError(t, err)
}

func TestStatusAndQueue_Local(t *testing.T) {
	path := writeConfig(t, "")

	out, err := execute(t, "--config", path, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Dealer: dealer-1")
	assert.Contains(t, out, "Last pull: never")
	assert.Contains(t, out, "account_transaction")

	out, err = execute(t, "--config", path, "queue", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Queue is empty")

	out, err = execute(t, "--config", path, "queue", "purge", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 0 dead items")

	_, err = execute(t, "--config", path, "queue", "requeue", "no-such-item")
	assert.Error(t, err)
}

func TestSync_RequiresRemote(t *testing.T) {
	path := writeConfig(t, "")

	_, err := execute(t, "--config", path, "sync")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "remote.url")
}

func TestSync_FirstRunAgainstBackend(t *testing.T) {
	b, srv := newBackend(t)
	path := writeConfig(t, srv.URL)

	out, err := execute(t, "--config", path, "sync")
	require.NoError(t, err)
	assert.Contains(t, out, "full sync complete")
	assert.Contains(t, out, "Created 2 default accounts")

	b.mu.Lock()
	assert.Equal(t, 2, b.upserts["sync_accounts"])
	b.mu.Unlock()

	out, err = execute(t, "--config", path, "status")
	require.NoError(t, err)
	assert.NotContains(t, out, "Last pull: never")

	out, err = execute(t, "--config", path, "pull", "--json")
	require.NoError(t, err)
	var report dealersync.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, dealersync.ModeFast, report.Mode)
	assert.False(t, report.FullPull)

	_, err = execute(t, "--config", path, "pull", "--force", "--since", "yesterday")
	assert.Error(t, err)
}

func TestDiagnostics_JSON(t *testing.T) {
	_, srv := newBackend(t)
	path := writeConfig(t, srv.URL)

	out, err := execute(t, "--config", path, "diagnostics", "--json")
	require.NoError(t, err)

	var d dealersync.Diagnostics
	require.NoError(t, json.Unmarshal([]byte(out), &d))
	assert.Empty(t, d.RemoteFetchError)
	assert.Len(t, d.Entities, len(record.MergeOrder))
}
