package dashboard

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/record"
	dealersync "github.com/ezcar24/dealersync/internal/sync"
)

func startServer(t *testing.T) *Server {
	t.Helper()

	server := NewServer(&Config{Addr: "127.0.0.1:0", Logger: zap.NewNop()})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })
	return server
}

// dial connects a client. The first message it reads is the greeting.
func dial(t *testing.T, ctx context.Context, server *Server) *websocket.Conn {
	t.Helper()

	conn, _, err := websocket.Dial(ctx, "ws://"+server.GetAddr()+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readUntil skips messages until one of type typ arrives.
func readUntil(t *testing.T, ctx context.Context, conn *websocket.Conn, typ MessageType) Message {
	t.Helper()
	for {
		msg := readMessage(t, ctx, conn)
		if msg.Type == typ {
			return msg
		}
	}
}

func waitForClients(t *testing.T, server *Server, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return server.ClientCount() == n }, 2*time.Second, 10*time.Millisecond)
}

func TestServerStartStop(t *testing.T) {
	server := NewServer(&Config{Addr: "127.0.0.1:0"})
	require.NoError(t, server.Start())
	assert.NotEqual(t, "127.0.0.1:0", server.GetAddr())
	require.NoError(t, server.Stop())
}

func TestWelcomeAndBroadcast(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dial(t, ctx, server)
	assert.Equal(t, MessageTypeHello, readMessage(t, ctx, conn).Type)
	waitForClients(t, server, 1)

	server.Broadcast(Message{Type: MessageTypeQueueStats, DealerID: "dealer-1"})

	msg := readMessage(t, ctx, conn)
	assert.Equal(t, MessageTypeQueueStats, msg.Type)
	assert.Equal(t, "dealer-1", msg.DealerID)
	assert.False(t, msg.Timestamp.IsZero())
}

func TestMultipleClients(t *testing.T) {
	server := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conns := make([]*websocket.Conn, 3)
	for i := range conns {
		conns[i] = dial(t, ctx, server)
		readMessage(t, ctx, conns[i])
	}
	waitForClients(t, server, 3)

	server.Broadcast(Message{Type: MessageTypeSyncState})
	for _, conn := range conns {
		assert.Equal(t, MessageTypeSyncState, readMessage(t, ctx, conn).Type)
	}

	require.NoError(t, conns[0].Close(websocket.StatusNormalClosure, ""))
	waitForClients(t, server, 2)
}

func TestHandlerForwardsEngineEvents(t *testing.T) {
	server := startServer(t)
	handler := NewHandler(server, zap.NewNop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Seen before the client connects: replayed as the greeting.
	handler.OnEvent(dealersync.Event{
		Type:     dealersync.EventState,
		DealerID: "dealer-1",
		Time:     time.Now(),
		State:    dealersync.State{Status: dealersync.StatusSyncing, Mode: dealersync.ModeFull},
	})

	conn := dial(t, ctx, server)
	greeting := readMessage(t, ctx, conn)
	require.Equal(t, MessageTypeSyncState, greeting.Type)
	var state dealersync.State
	require.NoError(t, json.Unmarshal(greeting.Data, &state))
	assert.Equal(t, dealersync.StatusSyncing, state.Status)
	waitForClients(t, server, 1)

	started := time.Now()
	handler.OnEvent(dealersync.Event{
		Type:     dealersync.EventComplete,
		DealerID: "dealer-1",
		Time:     time.Now(),
		Report: &dealersync.Report{
			Mode:       dealersync.ModeFull,
			StartedAt:  started,
			FinishedAt: started.Add(1500 * time.Millisecond),
			Fetched:    7,
			Merge: dealersync.MergeStats{
				record.Vehicle: {Created: 2, Updated: 1},
				record.Debt:    {Deleted: 1, Swept: 1},
			},
			Push:       dealersync.PushStats{Sent: 4},
			QueueDepth: 3,
		},
	})

	msg := readUntil(t, ctx, conn, MessageTypeSyncComplete)
	var data SyncCompleteData
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, 7, data.Fetched)
	assert.Equal(t, 2, data.Created)
	assert.Equal(t, 1, data.Updated)
	assert.Equal(t, 2, data.Deleted)
	assert.Equal(t, 4, data.Pushed)
	assert.Equal(t, 3, data.QueueDepth)
	assert.Equal(t, 1500*time.Millisecond, data.Duration)

	snapshot := handler.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Equal(t, MessageTypeSyncState, snapshot[0].Type)
	assert.Equal(t, MessageTypeSyncComplete, snapshot[1].Type)
}

func TestHealthAndMetrics(t *testing.T) {
	server := startServer(t)
	base := "http://" + server.GetAddr()

	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	var health map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "ok", health["status"])

	resp, err = http.Get(base + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}
