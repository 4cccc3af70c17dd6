package sync

import (
	"time"

	"github.com/ezcar24/dealersync/internal/queue"
)

// EventType identifies what an Event carries.
type EventType string

const (
	// EventState is sent on every state machine transition.
	EventState EventType = "sync_state"
	// EventComplete is sent once per finished attempt, with its report.
	EventComplete EventType = "sync_complete"
	// EventQueue is sent after the offline queue changed.
	EventQueue EventType = "queue_stats"
	// EventMerge is sent after a snapshot was merged.
	EventMerge EventType = "merge_stats"
)

// Event is delivered to subscribers.
type Event struct {
	Type     EventType   `json:"type"`
	DealerID string      `json:"dealer_id"`
	Time     time.Time   `json:"time"`
	State    State       `json:"state,omitzero"`
	Report   *Report     `json:"report,omitempty"`
	Queue    *QueueStats `json:"queue,omitempty"`
	Merge    MergeStats  `json:"merge,omitempty"`
}

// QueueStats describes the offline queue of one dealer.
type QueueStats struct {
	Depth   int                `json:"depth"`
	Dead    int                `json:"dead"`
	Summary []queue.SummaryRow `json:"summary"`
}

// Report describes one sync attempt.
type Report struct {
	Mode       Mode      `json:"mode"`
	DealerID   string    `json:"dealer_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	// FirstSync is set on the very first attempt for the dealer.
	FirstSync bool `json:"first_sync"`
	// FullPull is set when the fetch ignored the watermark.
	FullPull bool `json:"full_pull"`
	// Since is the lower bound sent to the change feed; zero for full pulls.
	Since time.Time `json:"since,omitzero"`

	Fetched         int         `json:"fetched"`
	Filtered        int         `json:"filtered"`
	DefaultAccounts int         `json:"default_accounts"`
	Merge           MergeStats  `json:"merge,omitempty"`
	Push            PushStats   `json:"push"`
	Replay          ReplayStats `json:"replay"`
	QueueDepth      int         `json:"queue_depth"`

	Cancelled bool   `json:"cancelled,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Duration is how long the attempt took.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
