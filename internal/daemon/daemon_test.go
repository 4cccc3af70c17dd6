package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ezcar24/dealersync/internal/queue"
	"github.com/ezcar24/dealersync/internal/record"
	dealersync "github.com/ezcar24/dealersync/internal/sync"
)

type mockEngine struct {
	mock.Mock
}

func (m *mockEngine) FullSync(ctx context.Context, dealerID string) (*dealersync.Report, error) {
	args := m.Called(ctx, dealerID)
	report, _ := args.Get(0).(*dealersync.Report)
	return report, args.Error(1)
}

func (m *mockEngine) FastPull(ctx context.Context, dealerID string, force bool) (*dealersync.Report, error) {
	args := m.Called(ctx, dealerID, force)
	report, _ := args.Get(0).(*dealersync.Report)
	return report, args.Error(1)
}

func (m *mockEngine) Save(ctx context.Context, rec record.Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockEngine) Remove(ctx context.Context, kind record.EntityType, dealerID, id string) error {
	return m.Called(ctx, kind, dealerID, id).Error(0)
}

func (m *mockEngine) SyncAfterSave(ctx context.Context, rec record.Record) error {
	return m.Called(ctx, rec).Error(0)
}

func (m *mockEngine) SyncAfterDelete(ctx context.Context, kind record.EntityType, dealerID, id string) error {
	return m.Called(ctx, kind, dealerID, id).Error(0)
}

func (m *mockEngine) ReplayQueue(ctx context.Context, dealerID string) (dealersync.ReplayStats, error) {
	args := m.Called(ctx, dealerID)
	return args.Get(0).(dealersync.ReplayStats), args.Error(1)
}

func (m *mockEngine) DeduplicateRemote(ctx context.Context, dealerID string) (*dealersync.DedupReport, error) {
	args := m.Called(ctx, dealerID)
	report, _ := args.Get(0).(*dealersync.DedupReport)
	return report, args.Error(1)
}

func (m *mockEngine) RunDiagnostics(ctx context.Context, dealerID string) (*dealersync.Diagnostics, error) {
	args := m.Called(ctx, dealerID)
	diag, _ := args.Get(0).(*dealersync.Diagnostics)
	return diag, args.Error(1)
}

func (m *mockEngine) QueueCount(ctx context.Context, dealerID string) (int, error) {
	args := m.Called(ctx, dealerID)
	return args.Int(0), args.Error(1)
}

func (m *mockEngine) State() dealersync.State {
	return m.Called().Get(0).(dealersync.State)
}

func (m *mockEngine) Subscribe(fn func(dealersync.Event)) func() {
	return func() {}
}

func (m *mockEngine) Close() error {
	return nil
}

const dealer = "dealer-1"

func writeMutation(t *testing.T, dir, name string, m any) string {
	t.Helper()
	data, err := json.Marshal(m)
	require.NoError(t, err)
	path := filepath.Join(dir, name)
	// Stage and rename, the way writers are expected to.
	tmp := filepath.Join(dir, "."+name+".tmp")
	require.NoError(t, os.WriteFile(tmp, data, 0o644))
	require.NoError(t, os.Rename(tmp, path))
	return path
}

func vehicleUpsert(id string) Mutation {
	rec, _ := json.Marshal(map[string]any{
		"id":         id,
		"dealer_id":  dealer,
		"vin":        "VIN-" + id,
		"updated_at": "2025-05-01T12:00:00Z",
	})
	return Mutation{Entity: record.Vehicle, Operation: queue.OpUpsert, DealerID: dealer, Record: rec}
}

func rejected(t *testing.T, outbox string) []string {
	t.Helper()
	entries, err := os.ReadDir(filepath.Join(outbox, RejectedDir))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestNewWithConfig(t *testing.T) {
	engine := &mockEngine{}
	outbox := t.TempDir()

	tests := []struct {
		name    string
		engine  dealersync.Engine
		config  *Config
		wantErr bool
	}{
		{"valid", engine, &Config{DealerID: dealer, OutboxDir: outbox}, false},
		{"nil engine", nil, &Config{DealerID: dealer, OutboxDir: outbox}, true},
		{"nil config", engine, nil, true},
		{"no dealer", engine, &Config{OutboxDir: outbox}, true},
		{"no outbox", engine, &Config{DealerID: dealer}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := NewWithConfig(tt.engine, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer d.Stop()
			assert.Equal(t, DefaultConfig().PullInterval, d.config.PullInterval)
			assert.Equal(t, DefaultConfig().DebounceInterval, d.config.DebounceInterval)
		})
	}
}

func TestParseMutation(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{"upsert", `{"entity":"vehicle","operation":"upsert","dealer_id":"d","record":{"id":"v1"}}`, false},
		{"snapshot key", `{"entity":"vehicles","operation":"delete","dealer_id":"d","id":"v1"}`, false},
		{"not json", `{`, true},
		{"unknown entity", `{"entity":"boat","operation":"delete","dealer_id":"d","id":"v1"}`, true},
		{"no dealer", `{"entity":"vehicle","operation":"delete","id":"v1"}`, true},
		{"upsert without record", `{"entity":"vehicle","operation":"upsert","dealer_id":"d"}`, true},
		{"delete without id", `{"entity":"vehicle","operation":"delete","dealer_id":"d"}`, true},
		{"unknown operation", `{"entity":"vehicle","operation":"merge","dealer_id":"d","id":"v1"}`, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMutation([]byte(tt.input))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrMalformed)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, record.Vehicle, m.Entity)
		})
	}
}

func TestMutationDecode(t *testing.T) {
	m := vehicleUpsert("v1")
	rec, err := m.Decode()
	require.NoError(t, err)
	assert.Equal(t, "VIN-v1", rec.(*record.VehicleRecord).VIN)

	m.DealerID = "dealer-2"
	_, err = m.Decode()
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestProcessOutbox(t *testing.T) {
	outbox := t.TempDir()
	engine := &mockEngine{}
	d, err := New(engine, dealer, outbox)
	require.NoError(t, err)
	defer d.Stop()

	engine.On("Save", mock.Anything, mock.MatchedBy(func(rec record.Record) bool {
		return rec.Meta().ID == "v1"
	})).Return(nil).Once()
	engine.On("Save", mock.Anything, mock.MatchedBy(func(rec record.Record) bool {
		return rec.Meta().ID == "v2"
	})).Return(&dealersync.SavedLocallyError{Entity: record.Vehicle, RecordID: "v2", Err: errors.New("offline")}).Once()
	engine.On("Remove", mock.Anything, record.Vehicle, dealer, "v3").Return(nil).Once()
	engine.On("Remove", mock.Anything, record.Vehicle, dealer, "v4").
		Return(errors.New("disk full")).Once()

	writeMutation(t, outbox, "1-upsert.json", vehicleUpsert("v1"))
	writeMutation(t, outbox, "2-queued.json", vehicleUpsert("v2"))
	writeMutation(t, outbox, "3-delete.json", Mutation{Entity: record.Vehicle, Operation: queue.OpDelete, DealerID: dealer, ID: "v3"})
	writeMutation(t, outbox, "4-retry.json", Mutation{Entity: record.Vehicle, Operation: queue.OpDelete, DealerID: dealer, ID: "v4"})
	writeMutation(t, outbox, "5-foreign.json", Mutation{Entity: record.Vehicle, Operation: queue.OpDelete, DealerID: "dealer-2", ID: "v5"})
	require.NoError(t, os.WriteFile(filepath.Join(outbox, "6-garbage.json"), []byte("nope"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outbox, "notes.txt"), []byte("ignored"), 0o644))

	err = d.ProcessOutbox(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	engine.AssertExpectations(t)

	left, err := filepath.Glob(filepath.Join(outbox, "*.json"))
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(outbox, "4-retry.json")}, left, "only the transient failure stays")
	assert.ElementsMatch(t, []string{"5-foreign.json", "6-garbage.json"}, rejected(t, outbox))
	assert.FileExists(t, filepath.Join(outbox, "notes.txt"))
}

func TestProcessOutbox_MissingReferenceIsRejected(t *testing.T) {
	outbox := t.TempDir()
	engine := &mockEngine{}
	d, err := New(engine, dealer, outbox)
	require.NoError(t, err)
	defer d.Stop()

	engine.On("Save", mock.Anything, mock.Anything).Return(record.ErrMissingReference).Once()
	writeMutation(t, outbox, "payment.json", vehicleUpsert("v1"))

	require.NoError(t, d.ProcessOutbox(context.Background()))
	assert.Equal(t, []string{"payment.json"}, rejected(t, outbox))
}

func TestStart_SyncsAndAppliesOutbox(t *testing.T) {
	outbox := t.TempDir()
	engine := &mockEngine{}

	saved := make(chan string, 4)
	engine.On("FullSync", mock.Anything, dealer).Return(&dealersync.Report{Mode: dealersync.ModeFull}, nil).Once()
	engine.On("FastPull", mock.Anything, dealer, false).Return(nil, dealersync.ErrSyncInProgress).Maybe()
	engine.On("Save", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
		saved <- args.Get(1).(record.Record).Meta().ID
	})

	// Left over from before the daemon started.
	writeMutation(t, outbox, "early.json", vehicleUpsert("v0"))

	d, err := NewWithConfig(engine, &Config{
		DealerID:         dealer,
		OutboxDir:        outbox,
		PullInterval:     20 * time.Millisecond,
		DebounceInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	select {
	case id := <-saved:
		assert.Equal(t, "v0", id)
	case <-time.After(5 * time.Second):
		t.Fatal("leftover mutation was not applied")
	}

	require.Eventually(t, d.watcher.IsRunning, 5*time.Second, 10*time.Millisecond)
	path := writeMutation(t, outbox, "live.json", vehicleUpsert("v1"))

	select {
	case id := <-saved:
		assert.Equal(t, "v1", id)
	case <-time.After(5 * time.Second):
		t.Fatal("watched mutation was not applied")
	}
	require.Eventually(t, func() bool {
		_, err := os.Stat(path)
		return errors.Is(err, os.ErrNotExist)
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
	require.NoError(t, d.Stop())
	engine.AssertCalled(t, "FullSync", mock.Anything, dealer)
}

func TestStop_BeforeStart(t *testing.T) {
	d, err := New(&mockEngine{}, dealer, t.TempDir())
	require.NoError(t, err)
	require.NoError(t, d.Stop())
	require.NoError(t, d.Stop())
}
