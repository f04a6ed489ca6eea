package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"avachat/internal/domain"
	"avachat/internal/infra/tracer"
)

// ServiceConfig tunes the conversation service.
type ServiceConfig struct {
	ConversationID string
	Tracker        TrackerConfig
	// MaxHistory bounds the in-memory message list. 0 disables truncation.
	MaxHistory int
}

// Service owns one conversation session: it consumes transport events in
// arrival order, drives the turn state machine and the invocation tracker,
// and publishes state transitions on the event bus. It is the only writer
// of the session; the rendering layer observes through the bus.
type Service struct {
	cfg     ServiceConfig
	channel domain.Channel
	bus     domain.EventBus
	history domain.HistoryStore // optional
	logger  *slog.Logger

	conv    *Conversation
	machine *Machine
	tracker *Tracker

	// signals carries tracker timer expiries into the event loop so they
	// are applied in the same order as transport events.
	signals chan Signal

	mu sync.Mutex
	// cancelledTurns guards against late events of turns the user aborted.
	cancelledTurns map[string]struct{}
	// assistantMsgID is the in-flight streaming assistant message, if any.
	assistantMsgID string
	// wasConnected flips after the first successful handshake so later
	// opens are reported as reconnects.
	wasConnected bool

	done chan struct{}
}

// NewService wires a service. history may be nil; persistence is then skipped.
func NewService(cfg ServiceConfig, channel domain.Channel, bus domain.EventBus, history domain.HistoryStore, logger *slog.Logger) *Service {
	s := &Service{
		cfg:            cfg,
		channel:        channel,
		bus:            bus,
		history:        history,
		logger:         logger,
		conv:           NewConversation(cfg.ConversationID),
		machine:        NewMachine(),
		cancelledTurns: make(map[string]struct{}),
		signals:        make(chan Signal, 64),
		done:           make(chan struct{}),
	}
	s.tracker = NewTracker(cfg.Tracker, s.enqueueSignal, logger)
	return s
}

// Conversation exposes the session for read-only access (history rendering).
func (s *Service) Conversation() *Conversation { return s.conv }

// TurnState returns the current turn state.
func (s *Service) TurnState() domain.TurnState { return s.machine.State() }

// Run connects the channel and processes events until ctx is cancelled or
// the channel's event stream closes. Blocks.
func (s *Service) Run(ctx context.Context) error {
	if s.history != nil {
		if msgs, err := s.history.Messages(ctx, s.conv.ID); err != nil {
			s.logger.Warn("loading persisted history failed", "error", err)
		} else if len(msgs) > 0 {
			s.conv.Seed(msgs)
		}
	}

	if err := s.channel.Connect(ctx); err != nil {
		return domain.NewDomainError("service.run", err, "initial connect")
	}

	defer s.tracker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sig := <-s.signals:
			s.handleSignal(ctx, sig)
		case ev, ok := <-s.channel.Events():
			if !ok {
				return nil
			}
			s.handleChannelEvent(ctx, ev)
		}
	}
}

// SendMessage starts a new turn with the given user text. Rejected with
// ErrTurnInFlight while a turn is active (input is disabled then anyway).
func (s *Service) SendMessage(ctx context.Context, content string) (domain.Message, error) {
	ctx, span := tracer.StartSpan(ctx, "service.send_message")
	defer span.End()

	if content == "" {
		return domain.Message{}, domain.NewDomainError("service.send", domain.ErrInvalidInput, "empty message")
	}

	turnID := NewID(time.Now())
	transition, err := s.machine.Begin(turnID)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.Message{}, domain.WrapOp("service.send", err)
	}
	span.SetAttributes(tracer.StringAttr("turn_id", turnID))

	msg := s.conv.AddMessage(domain.Message{
		TurnID:  turnID,
		Role:    domain.RoleUser,
		Content: content,
	})
	s.persist(ctx, msg)

	s.publish(domain.EventTurnStarted, turnID, nil)
	s.publishTransition(transition)
	s.publish(domain.EventMessageAppended, turnID, msg)

	err = s.channel.Send(ctx, domain.ClientFrame{
		Type:           domain.FrameMessage,
		ConversationID: s.conv.ID,
		TurnID:         turnID,
		Content:        content,
	})
	if err != nil {
		tracer.RecordError(span, err)
		s.failTurn(domain.CodeTransportUnavailable, "message could not be sent")
		return msg, domain.WrapOp("service.send", err)
	}
	tracer.SetOK(span)
	return msg, nil
}

// Cancel aborts the in-flight turn: the machine returns to idle, active
// invocations become cancelled, and a cancel frame is sent best-effort.
// A no-op when no turn is active.
func (s *Service) Cancel(ctx context.Context) error {
	ctx, span := tracer.StartSpan(ctx, "service.cancel")
	defer span.End()

	transition, ok := s.machine.Cancel()
	if !ok {
		return nil
	}
	turnID := transition.TurnID

	s.mu.Lock()
	s.cancelledTurns[turnID] = struct{}{}
	s.assistantMsgID = ""
	s.mu.Unlock()

	for _, change := range s.tracker.CancelActive(turnID) {
		s.publishInvocation(change.Invocation)
	}

	s.publishTransition(transition)
	s.publish(domain.EventTurnCancelled, turnID, nil)

	err := s.channel.Send(ctx, domain.ClientFrame{
		Type:           domain.FrameCancel,
		ConversationID: s.conv.ID,
		TurnID:         turnID,
	})
	if err != nil {
		// The turn is already cancelled locally; the backend frame is
		// best-effort and a failure only gets logged.
		s.logger.Warn("cancel frame not delivered", "turn_id", turnID, "error", err)
		tracer.RecordError(span, err)
		return nil
	}
	tracer.SetOK(span)
	return nil
}

func (s *Service) enqueueSignal(sig Signal) {
	select {
	case s.signals <- sig:
	case <-s.done:
	}
}

func (s *Service) handleSignal(ctx context.Context, sig Signal) {
	change := s.tracker.Expire(sig)
	if change == nil {
		return
	}
	s.applyInvocationChange(ctx, *change)
}

func (s *Service) handleChannelEvent(ctx context.Context, ev domain.ChannelEvent) {
	switch {
	case ev.DecodeErr != nil:
		// Malformed frame: logged and recorded, never fatal.
		s.logger.Warn("dropping malformed frame", "error", ev.DecodeErr)
		s.publish(domain.EventDiagnosticDecode, "", map[string]string{"error": ev.DecodeErr.Error()})
	case ev.Conn != nil:
		s.handleConnChange(*ev.Conn, ev.Unavailable)
	case ev.Server != nil:
		s.handleServerEvent(ctx, *ev.Server)
	}
}

func (s *Service) handleConnChange(conn domain.ConnectionState, unavailable bool) {
	switch conn.Status {
	case domain.ConnOpen:
		s.mu.Lock()
		reconnect := s.wasConnected
		s.wasConnected = true
		s.mu.Unlock()
		if reconnect {
			s.publish(domain.EventConnectionReconnected, "", nil)
		} else {
			s.publish(domain.EventConnected, "", nil)
		}
	case domain.ConnConnecting:
		s.publish(domain.EventConnectionLost, "", nil)
	case domain.ConnClosed:
		if unavailable {
			// Reconnects exhausted: the session degrades to read-only
			// history. A turn stuck mid-flight is failed, not hung.
			s.failTurn(domain.CodeTransportUnavailable, "connection to the chat backend was lost")
			s.publish(domain.EventTransportUnavailable, "", nil)
		}
	}
}

func (s *Service) handleServerEvent(ctx context.Context, ev domain.ServerEvent) {
	if s.isStale(ev.TurnID) {
		s.logger.Debug("discarding event for stale turn", "event", ev.Name, "turn_id", ev.TurnID)
		return
	}

	switch ev.Kind {
	case domain.KindConnected:
		// The transport swallows the handshake and reports it as a
		// connection status change; a duplicate here is harmless.
	case domain.KindTaskQueued, domain.KindGenerating, domain.KindGenerated, domain.KindToolError:
		for _, change := range s.tracker.Observe(ev) {
			s.applyInvocationChange(ctx, change)
		}
	case domain.KindTextDelta:
		s.handleTextDelta(ev)
	case domain.KindStreamDone:
		s.completeTurn(ctx)
	case domain.KindUnknown:
		s.logger.Debug("unknown server event", "event", ev.Name)
		s.publish(domain.EventDiagnosticUnknown, ev.TurnID, map[string]string{"event": ev.Name})
	}
}

// isStale reports whether an event belongs to a cancelled or superseded
// turn. Events without a turn id always apply to the current turn.
func (s *Service) isStale(turnID string) bool {
	if turnID == "" {
		return false
	}
	s.mu.Lock()
	_, cancelled := s.cancelledTurns[turnID]
	s.mu.Unlock()
	if cancelled {
		return true
	}
	current := s.machine.TurnID()
	return current != "" && turnID != current
}

func (s *Service) handleTextDelta(ev domain.ServerEvent) {
	if ev.Text == "" {
		return
	}
	if transition, ok := s.machine.ToStreaming(); ok {
		s.publishTransition(transition)
	}

	msgID := s.ensureAssistantMessage()
	s.conv.AppendContent(msgID, ev.Text)
	s.publish(domain.EventMessageDelta, s.machine.TurnID(), domain.MessageDeltaPayload{
		MessageID: msgID,
		Text:      ev.Text,
	})
}

// ensureAssistantMessage returns the in-flight assistant message id,
// creating the message on the first delta of a turn.
func (s *Service) ensureAssistantMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.assistantMsgID != "" {
		return s.assistantMsgID
	}
	msg := s.conv.AddMessage(domain.Message{
		TurnID: s.machine.TurnID(),
		Role:   domain.RoleAssistant,
	})
	s.assistantMsgID = msg.ID
	s.publish(domain.EventMessageAppended, msg.TurnID, msg)
	return msg.ID
}

func (s *Service) completeTurn(ctx context.Context) {
	transition, ok := s.machine.Complete()
	if !ok {
		return
	}

	s.mu.Lock()
	msgID := s.assistantMsgID
	s.assistantMsgID = ""
	s.mu.Unlock()

	if msgID != "" && s.history != nil {
		for _, msg := range s.conv.Messages() {
			if msg.ID == msgID {
				s.persist(ctx, msg)
				break
			}
		}
	}
	if s.cfg.MaxHistory > 0 {
		s.conv.Truncate(s.cfg.MaxHistory)
	}

	s.publishTransition(transition)
	s.publish(domain.EventTurnCompleted, transition.TurnID, nil)
}

func (s *Service) applyInvocationChange(ctx context.Context, change Change) {
	inv := change.Invocation
	s.publishInvocation(inv)

	switch inv.Status {
	case domain.InvocationQueued:
		if transition, ok := s.machine.ToWorking(); ok {
			s.publishTransition(transition)
		}
	case domain.InvocationRunning:
		// Advisory: no turn-state effect.
	case domain.InvocationSucceeded:
		s.attachResult(inv)
		if transition, ok := s.machine.ToStreaming(); ok {
			s.publishTransition(transition)
		}
	case domain.InvocationFailed:
		code := domain.CodeToolFailure
		msg := "tool invocation failed"
		if inv.ErrorInfo != nil {
			code = inv.ErrorInfo.Code
			msg = inv.ErrorInfo.Message
		}
		s.failTurn(code, msg)
	}
}

// attachResult turns a successful invocation payload into a card on the
// in-flight assistant message, so the renderer shows it in the result grid
// rather than as an inline payload dump.
func (s *Service) attachResult(inv domain.ToolInvocation) {
	if len(inv.ResultPayload) == 0 {
		return
	}
	var body struct {
		URL   string `json:"url"`
		Image string `json:"avatar_url"`
		Title string `json:"title"`
	}
	if err := json.Unmarshal(inv.ResultPayload, &body); err != nil {
		s.logger.Debug("unparseable result payload", "task_id", inv.ID, "error", err)
		return
	}

	att := domain.Attachment{Type: domain.AttachmentCard, Title: body.Title}
	switch {
	case body.Image != "":
		att.Type = domain.AttachmentImage
		att.URL = body.Image
	case body.URL != "":
		att.URL = body.URL
	}

	msgID := s.ensureAssistantMessage()
	s.conv.AttachResult(msgID, att)
}

// failTurn moves the machine to error (re-enabling input) and publishes
// the failure. A no-op when no turn is active.
func (s *Service) failTurn(code domain.ErrorCode, message string) {
	transition, ok := s.machine.Fail()
	if !ok {
		return
	}
	s.mu.Lock()
	s.assistantMsgID = ""
	s.mu.Unlock()

	s.publishTransition(transition)
	s.publish(domain.EventTurnFailed, transition.TurnID, domain.TurnFailedPayload{
		Code:    code,
		Message: message,
	})
}

// Close stops timer delivery. The channel and bus are owned by the caller.
func (s *Service) Close() {
	close(s.done)
	s.tracker.Stop()
}

func (s *Service) publishTransition(tr Transition) {
	s.publish(domain.EventTurnStateChanged, tr.TurnID, domain.TurnStatePayload{
		From: tr.From,
		To:   tr.To,
	})
}

func (s *Service) publishInvocation(inv domain.ToolInvocation) {
	var eventType domain.EventType
	switch inv.Status {
	case domain.InvocationQueued:
		eventType = domain.EventInvocationQueued
	case domain.InvocationRunning:
		eventType = domain.EventInvocationRunning
	case domain.InvocationSucceeded:
		eventType = domain.EventInvocationSucceeded
	case domain.InvocationFailed:
		eventType = domain.EventInvocationFailed
	case domain.InvocationCancelled:
		eventType = domain.EventInvocationCancelled
	default:
		return
	}
	s.publish(eventType, inv.TurnID, inv)
}

func (s *Service) publish(eventType domain.EventType, turnID string, payload any) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("marshaling event payload failed", "type", eventType, "error", err)
			return
		}
		raw = data
	}
	s.bus.Publish(context.Background(), domain.Event{
		Type:           eventType,
		Timestamp:      time.Now(),
		ConversationID: s.conv.ID,
		TurnID:         turnID,
		Payload:        raw,
	})
}

func (s *Service) persist(ctx context.Context, msg domain.Message) {
	if s.history == nil {
		return
	}
	if err := s.history.SaveMessage(ctx, s.conv.ID, msg); err != nil {
		s.logger.Warn("persisting message failed", "message_id", msg.ID, "error", err)
	}
}
