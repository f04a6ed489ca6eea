package usecase

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"avachat/internal/domain"
)

// SignalKind identifies a tracker timer expiry.
type SignalKind int

const (
	// SignalGraceExpired fires when a buffered out-of-order event waited
	// the full grace window without its queued record arriving.
	SignalGraceExpired SignalKind = iota
	// SignalCeilingExpired fires when an invocation saw no terminal event
	// within the configured ceiling.
	SignalCeilingExpired
)

// Signal is delivered to the conversation service's event loop so that
// timer-driven transitions are applied in the same single-threaded order
// as transport events.
type Signal struct {
	Kind         SignalKind
	InvocationID string
}

// Change describes a tracker state transition for one invocation.
// Invocation is a snapshot safe to publish.
type Change struct {
	Invocation domain.ToolInvocation
	Previous   domain.InvocationStatus // "" when the invocation is new
}

// pendingEvent is a lifecycle event observed before its queued record.
// It waits out the grace window; arrival of the queued record replays it.
type pendingEvent struct {
	event domain.ServerEvent
	timer *time.Timer
}

// TrackerConfig bounds the tracker's two clocks.
type TrackerConfig struct {
	// Ceiling is the terminal-event deadline per invocation.
	Ceiling time.Duration
	// Grace is how long an out-of-order event may wait for its queued record.
	Grace time.Duration
}

// Tracker correlates queued backend tasks with their lifecycle events and
// enforces ordering invariants independent of arrival jitter.
//
// The data structure is a map so concurrently running invocations are
// supported, though the observed protocol runs one tool call per turn.
type Tracker struct {
	mu          sync.Mutex
	invocations map[string]*domain.ToolInvocation
	pending     map[string]*pendingEvent
	watchdogs   map[string]*time.Timer
	cfg         TrackerConfig
	notify      func(Signal)
	logger      *slog.Logger
}

// NewTracker creates a tracker. notify is invoked from timer goroutines;
// it must hand the signal to the owning event loop, not call back into
// the tracker directly.
func NewTracker(cfg TrackerConfig, notify func(Signal), logger *slog.Logger) *Tracker {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 15 * time.Second
	}
	if cfg.Grace <= 0 {
		cfg.Grace = 2 * time.Second
	}
	return &Tracker{
		invocations: make(map[string]*domain.ToolInvocation),
		pending:     make(map[string]*pendingEvent),
		watchdogs:   make(map[string]*time.Timer),
		cfg:         cfg,
		notify:      notify,
		logger:      logger,
	}
}

// Observe applies a lifecycle event and returns the resulting changes in
// order, or nil when the event is a no-op (duplicate terminal, unknown id
// buffered, stale event for a terminal invocation). A queued event that
// releases a buffered out-of-order event yields two changes: the queued
// transition first, then the replayed one.
func (t *Tracker) Observe(ev domain.ServerEvent) []Change {
	if ev.InvocationID == "" {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	return t.observeLocked(ev)
}

func (t *Tracker) observeLocked(ev domain.ServerEvent) []Change {
	switch ev.Kind {
	case domain.KindTaskQueued:
		return t.observeQueued(ev)
	case domain.KindGenerating:
		return asChanges(t.observeRunning(ev))
	case domain.KindGenerated:
		return asChanges(t.observeTerminal(ev, domain.InvocationSucceeded, nil))
	case domain.KindToolError:
		msg := ev.ErrorMessage
		if msg == "" {
			msg = "tool execution failed"
		}
		return asChanges(t.observeTerminal(ev, domain.InvocationFailed, &domain.ErrorInfo{
			Code:    domain.CodeToolFailure,
			Message: msg,
		}))
	}
	return nil
}

func asChanges(ch *Change) []Change {
	if ch == nil {
		return nil
	}
	return []Change{*ch}
}

func (t *Tracker) observeQueued(ev domain.ServerEvent) []Change {
	if _, ok := t.invocations[ev.InvocationID]; ok {
		// Duplicate queued event — first one wins.
		return nil
	}

	inv := &domain.ToolInvocation{
		ID:       ev.InvocationID,
		TurnID:   ev.TurnID,
		Kind:     ev.Tool,
		Status:   domain.InvocationQueued,
		QueuedAt: ev.ReceivedAt,
	}
	t.invocations[inv.ID] = inv
	t.armWatchdog(inv.ID)

	changes := []Change{{Invocation: *inv.Clone()}}

	// Replay a buffered out-of-order event now that its record exists.
	// The queued transition stays first so consumers see both.
	if p, ok := t.pending[inv.ID]; ok {
		p.timer.Stop()
		delete(t.pending, inv.ID)
		changes = append(changes, t.observeLocked(p.event)...)
	}
	return changes
}

func (t *Tracker) observeRunning(ev domain.ServerEvent) *Change {
	inv, ok := t.invocations[ev.InvocationID]
	if !ok {
		t.buffer(ev)
		return nil
	}
	if !inv.Status.CanTransition(domain.InvocationRunning) {
		return nil
	}

	prev := inv.Status
	inv.Status = domain.InvocationRunning
	inv.StartedAt = ev.ReceivedAt
	if inv.StartedAt.Before(inv.QueuedAt) {
		inv.StartedAt = inv.QueuedAt
	}
	return &Change{Invocation: *inv.Clone(), Previous: prev}
}

func (t *Tracker) observeTerminal(ev domain.ServerEvent, status domain.InvocationStatus, errInfo *domain.ErrorInfo) *Change {
	inv, ok := t.invocations[ev.InvocationID]
	if !ok {
		t.buffer(ev)
		return nil
	}
	if !inv.Status.CanTransition(status) {
		// Already terminal: at most one terminal transition per invocation.
		return nil
	}

	prev := inv.Status
	inv.Status = status
	inv.FinishedAt = ev.ReceivedAt
	if inv.FinishedAt.Before(inv.QueuedAt) {
		inv.FinishedAt = inv.QueuedAt
	}
	inv.ErrorInfo = errInfo
	if status == domain.InvocationSucceeded {
		inv.ResultPayload = append(json.RawMessage(nil), ev.Payload...)
	}
	t.disarmWatchdog(inv.ID)
	return &Change{Invocation: *inv.Clone(), Previous: prev}
}

// buffer holds an event whose invocation has no queued record yet, covering
// out-of-order delivery. One event per id is kept; a terminal event replaces
// a buffered intermediate one, since losing the terminal would strand the
// invocation at running until the ceiling fires.
func (t *Tracker) buffer(ev domain.ServerEvent) {
	id := ev.InvocationID
	if p, ok := t.pending[id]; ok {
		if terminalKind(ev.Kind) && !terminalKind(p.event.Kind) {
			t.logger.Debug("buffered terminal supersedes intermediate", "event", ev.Name, "task_id", id)
			p.event = ev
		}
		return
	}
	t.logger.Debug("buffering out-of-order event", "event", ev.Name, "task_id", id, "grace", t.cfg.Grace)
	t.pending[id] = &pendingEvent{
		event: ev,
		timer: time.AfterFunc(t.cfg.Grace, func() {
			t.notify(Signal{Kind: SignalGraceExpired, InvocationID: id})
		}),
	}
}

// Expire applies a timer signal. Returns the resulting change, or nil when
// the signal is stale (record arrived or invocation already terminal).
func (t *Tracker) Expire(sig Signal) *Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch sig.Kind {
	case SignalGraceExpired:
		p, ok := t.pending[sig.InvocationID]
		if !ok {
			return nil
		}
		delete(t.pending, sig.InvocationID)

		// The grace window elapsed without a queued record: record the
		// invocation as a sequence violation failure.
		t.logger.Warn("sequence violation", "event", p.event.Name, "task_id", sig.InvocationID)
		inv := &domain.ToolInvocation{
			ID:         sig.InvocationID,
			TurnID:     p.event.TurnID,
			Kind:       p.event.Tool,
			Status:     domain.InvocationFailed,
			QueuedAt:   p.event.ReceivedAt,
			FinishedAt: time.Now(),
			ErrorInfo: &domain.ErrorInfo{
				Code:    domain.CodeSequenceViolation,
				Message: "event " + p.event.Name + " arrived without a queued task",
			},
		}
		t.invocations[inv.ID] = inv
		return &Change{Invocation: *inv.Clone()}

	case SignalCeilingExpired:
		inv, ok := t.invocations[sig.InvocationID]
		if !ok || inv.Status.Terminal() {
			return nil
		}
		prev := inv.Status
		inv.Status = domain.InvocationFailed
		inv.FinishedAt = time.Now()
		inv.ErrorInfo = &domain.ErrorInfo{
			Code:    domain.CodeTimeout,
			Message: "no terminal event within " + t.cfg.Ceiling.String(),
		}
		t.disarmWatchdog(inv.ID)
		return &Change{Invocation: *inv.Clone(), Previous: prev}
	}
	return nil
}

// CancelActive marks every non-terminal invocation of the given turn as
// cancelled. An empty turnID cancels all non-terminal invocations.
func (t *Tracker) CancelActive(turnID string) []Change {
	t.mu.Lock()
	defer t.mu.Unlock()

	var changes []Change
	for _, inv := range t.invocations {
		if inv.Status.Terminal() {
			continue
		}
		if turnID != "" && inv.TurnID != "" && inv.TurnID != turnID {
			continue
		}
		prev := inv.Status
		inv.Status = domain.InvocationCancelled
		inv.FinishedAt = time.Now()
		t.disarmWatchdog(inv.ID)
		changes = append(changes, Change{Invocation: *inv.Clone(), Previous: prev})
	}

	// Buffered out-of-order events for a cancelled turn are moot.
	for id, p := range t.pending {
		if turnID == "" || p.event.TurnID == "" || p.event.TurnID == turnID {
			p.timer.Stop()
			delete(t.pending, id)
		}
	}
	return changes
}

// Get returns a snapshot of the invocation with the given id.
func (t *Tracker) Get(id string) (*domain.ToolInvocation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	inv, ok := t.invocations[id]
	if !ok {
		return nil, false
	}
	return inv.Clone(), true
}

// Stop cancels all outstanding timers. The tracker is unusable afterwards.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.watchdogs {
		timer.Stop()
		delete(t.watchdogs, id)
	}
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}

func terminalKind(kind domain.ServerEventKind) bool {
	return kind == domain.KindGenerated || kind == domain.KindToolError
}

func (t *Tracker) armWatchdog(id string) {
	t.watchdogs[id] = time.AfterFunc(t.cfg.Ceiling, func() {
		t.notify(Signal{Kind: SignalCeilingExpired, InvocationID: id})
	})
}

func (t *Tracker) disarmWatchdog(id string) {
	if timer, ok := t.watchdogs[id]; ok {
		timer.Stop()
		delete(t.watchdogs, id)
	}
}
