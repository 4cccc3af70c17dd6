package dashboard

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ezcar24/dealersync/internal/record"
	dealersync "github.com/ezcar24/dealersync/internal/sync"
)

// SyncCompleteData summarizes one finished sync attempt
type SyncCompleteData struct {
	Mode       dealersync.Mode `json:"mode"`
	Duration   time.Duration   `json:"duration"`
	FullPull   bool            `json:"full_pull"`
	Fetched    int             `json:"fetched"`
	Created    int             `json:"created"`
	Updated    int             `json:"updated"`
	Deleted    int             `json:"deleted"`
	Pushed     int             `json:"pushed"`
	QueueDepth int             `json:"queue_depth"`
	Cancelled  bool            `json:"cancelled,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// MergeStatsData carries merge counts per entity type
type MergeStatsData map[record.EntityType]*dealersync.MergeCounts

// Handler turns engine events into dashboard messages.
//
// The last message of each type is kept so a client that connects later
// starts from the current picture.
type Handler struct {
	server *Server
	logger *zap.Logger

	mu     sync.Mutex
	latest map[MessageType]Message
}

// NewHandler creates an event handler connected to a dashboard server
func NewHandler(server *Server, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		server: server,
		logger: logger.Named("dashboard"),
		latest: make(map[MessageType]Message),
	}
	server.setWelcome(h.Snapshot)
	return h
}

// Attach subscribes the handler to engine events. The returned func
// detaches it.
func (h *Handler) Attach(engine dealersync.Engine) func() {
	return engine.Subscribe(h.OnEvent)
}

// OnEvent handles one engine event. It never blocks.
func (h *Handler) OnEvent(ev dealersync.Event) {
	var (
		typ  MessageType
		data any
	)
	switch ev.Type {
	case dealersync.EventState:
		typ, data = MessageTypeSyncState, ev.State
	case dealersync.EventQueue:
		if ev.Queue == nil {
			return
		}
		typ, data = MessageTypeQueueStats, ev.Queue
	case dealersync.EventMerge:
		typ, data = MessageTypeMergeStats, MergeStatsData(ev.Merge)
	case dealersync.EventComplete:
		if ev.Report == nil {
			return
		}
		typ, data = MessageTypeSyncComplete, completeData(ev.Report)
	default:
		h.logger.Debug("ignoring unknown event", zap.String("type", string(ev.Type)))
		return
	}

	payload, err := json.Marshal(data)
	if err != nil {
		h.logger.Warn("failed to marshal event", zap.String("type", string(ev.Type)), zap.Error(err))
		return
	}

	msg := Message{
		Type:      typ,
		DealerID:  ev.DealerID,
		Timestamp: ev.Time,
		Data:      payload,
	}
	h.mu.Lock()
	h.latest[typ] = msg
	h.mu.Unlock()

	h.server.Broadcast(msg)
}

// Snapshot returns the last message of every type seen so far, state
// first.
func (h *Handler) Snapshot() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Message, 0, len(h.latest))
	for _, typ := range []MessageType{MessageTypeSyncState, MessageTypeQueueStats, MessageTypeMergeStats, MessageTypeSyncComplete} {
		if msg, ok := h.latest[typ]; ok {
			out = append(out, msg)
		}
	}
	return out
}

func completeData(r *dealersync.Report) SyncCompleteData {
	total := r.Merge.Total()
	return SyncCompleteData{
		Mode:       r.Mode,
		Duration:   r.Duration(),
		FullPull:   r.FullPull,
		Fetched:    r.Fetched,
		Created:    total.Created,
		Updated:    total.Updated,
		Deleted:    total.Deleted + total.Swept,
		Pushed:     r.Push.Sent + r.Replay.Sent,
		QueueDepth: r.QueueDepth,
		Cancelled:  r.Cancelled,
		Error:      r.Error,
	}
}
