package sync

import (
	"context"
	stdsync "sync"
	"time"

	"github.com/looplab/fsm"
)

// Status is the coarse sync status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Mode names the kind of sync attempt.
type Mode string

const (
	ModeFull   Mode = "full"
	ModeFast   Mode = "fast"
	ModeForced Mode = "forced"
	ModeDedup  Mode = "dedup"
)

// State is a snapshot of the state machine.
type State struct {
	Status    Status    `json:"status"`
	DealerID  string    `json:"dealer_id,omitempty"`
	Mode      Mode      `json:"mode,omitempty"`
	FirstSync bool      `json:"first_sync,omitempty"`
	Message   string    `json:"message,omitempty"`
	Since     time.Time `json:"since"`
}

// Syncing reports whether an attempt is running.
func (s State) Syncing() bool { return s.Status == StatusSyncing }

const (
	eventStart   = "start"
	eventSucceed = "succeed"
	eventFail    = "fail"
	eventReset   = "reset"
)

// machine is the single-flight guard. Success and Failure fall back to Idle
// after a linger period.
type machine struct {
	mu      stdsync.Mutex
	fsm     *fsm.FSM
	current State
	gen     int
	timer   *time.Timer
	notify  func(State)
}

func newMachine(notify func(State)) *machine {
	m := &machine{
		notify:  notify,
		current: State{Status: StatusIdle, Since: time.Now()},
	}
	m.fsm = fsm.NewFSM(
		string(StatusIdle),
		fsm.Events{
			{Name: eventStart, Src: []string{string(StatusIdle), string(StatusSuccess), string(StatusFailure)}, Dst: string(StatusSyncing)},
			{Name: eventSucceed, Src: []string{string(StatusSyncing)}, Dst: string(StatusSuccess)},
			{Name: eventFail, Src: []string{string(StatusSyncing)}, Dst: string(StatusFailure)},
			{Name: eventReset, Src: []string{string(StatusSyncing), string(StatusSuccess), string(StatusFailure)}, Dst: string(StatusIdle)},
		},
		fsm.Callbacks{},
	)
	return m
}

func (m *machine) state() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// begin enters Syncing, or returns ErrSyncInProgress.
func (m *machine) begin(dealerID string, mode Mode, firstSync bool) error {
	m.mu.Lock()
	if err := m.fsm.Event(context.Background(), eventStart); err != nil {
		m.mu.Unlock()
		return ErrSyncInProgress
	}
	m.stopTimerLocked()
	m.gen++
	m.current = State{
		Status:    StatusSyncing,
		DealerID:  dealerID,
		Mode:      mode,
		FirstSync: firstSync,
		Since:     time.Now(),
	}
	st := m.current
	m.mu.Unlock()

	m.notify(st)
	return nil
}

// succeed enters Success and schedules the fall back to Idle.
func (m *machine) succeed(linger time.Duration) {
	m.finish(eventSucceed, StatusSuccess, "", linger)
}

// fail enters Failure with msg and schedules the fall back to Idle.
func (m *machine) fail(msg string, linger time.Duration) {
	m.finish(eventFail, StatusFailure, msg, linger)
}

// reset returns to Idle right away. Used for cancelled attempts.
func (m *machine) reset() {
	m.mu.Lock()
	if !m.fsm.Can(eventReset) {
		m.mu.Unlock()
		return
	}
	_ = m.fsm.Event(context.Background(), eventReset)
	m.stopTimerLocked()
	prev := m.current
	m.current = State{Status: StatusIdle, DealerID: prev.DealerID, Mode: prev.Mode, Since: time.Now()}
	st := m.current
	m.mu.Unlock()

	m.notify(st)
}

func (m *machine) finish(event string, status Status, msg string, linger time.Duration) {
	m.mu.Lock()
	if err := m.fsm.Event(context.Background(), event); err != nil {
		m.mu.Unlock()
		return
	}
	prev := m.current
	m.current = State{
		Status:    status,
		DealerID:  prev.DealerID,
		Mode:      prev.Mode,
		FirstSync: prev.FirstSync,
		Message:   msg,
		Since:     time.Now(),
	}
	st := m.current
	if linger > 0 {
		gen := m.gen
		m.timer = time.AfterFunc(linger, func() { m.expire(gen) })
	}
	m.mu.Unlock()

	m.notify(st)
}

// expire moves a lingering Success/Failure back to Idle unless another
// attempt started since.
func (m *machine) expire(gen int) {
	m.mu.Lock()
	if gen != m.gen || m.current.Status == StatusSyncing || !m.fsm.Can(eventReset) {
		m.mu.Unlock()
		return
	}
	_ = m.fsm.Event(context.Background(), eventReset)
	prev := m.current
	m.current = State{Status: StatusIdle, DealerID: prev.DealerID, Mode: prev.Mode, Since: time.Now()}
	m.timer = nil
	st := m.current
	m.mu.Unlock()

	m.notify(st)
}

func (m *machine) stopTimer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopTimerLocked()
}

func (m *machine) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}
