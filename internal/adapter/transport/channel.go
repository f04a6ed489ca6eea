package transport

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"avachat/internal/domain"
	"avachat/internal/protocol"
)

const (
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second

	cbMaxFailures uint32 = 5
	cbTimeout            = 30 * time.Second
	cbInterval           = 60 * time.Second
)

// Options configures the WebSocket channel.
type Options struct {
	// URL is the chat event stream endpoint (ws:// or wss://).
	URL string
	// AuthToken is passed as a query parameter on dial.
	AuthToken string
	// ConversationID is (re)subscribed to after every successful handshake.
	ConversationID string
	// MaxReconnects bounds reconnect attempts after an abnormal closure.
	MaxReconnects int
	// HandshakeTimeout bounds the wait for the backend handshake event.
	HandshakeTimeout time.Duration
	// SendRate / SendBurst rate-limit outbound frames.
	SendRate  float64
	SendBurst int
}

// Channel is the WebSocket implementation of domain.Channel. It owns the
// connection lifecycle: handshake, ordered event delivery, reconnect with
// backoff, and re-subscription. Consumers never see a raw connection
// error; exhaustion is reported as an unavailable event on the stream.
type Channel struct {
	opts    Options
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[*websocket.Conn]
	limiter *rate.Limiter
	events  chan domain.ChannelEvent

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	// done unblocks emit and backoff sleeps once Close runs, so shutdown
	// never waits on a consumer that already went away.
	done chan struct{}

	wg sync.WaitGroup
}

var _ domain.Channel = (*Channel)(nil)

// New creates a channel. Connect must be called before Send.
func New(opts Options, logger *slog.Logger) *Channel {
	if opts.MaxReconnects <= 0 {
		opts.MaxReconnects = 5
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	if opts.SendRate <= 0 {
		opts.SendRate = 4
	}
	if opts.SendBurst <= 0 {
		opts.SendBurst = 8
	}

	cb := gobreaker.NewCircuitBreaker[*websocket.Conn](gobreaker.Settings{
		Name:        "transport:dial",
		MaxRequests: 1,
		Interval:    cbInterval,
		Timeout:     cbTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cbMaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})

	return &Channel{
		opts:    opts,
		logger:  logger,
		breaker: cb,
		limiter: rate.NewLimiter(rate.Limit(opts.SendRate), opts.SendBurst),
		events:  make(chan domain.ChannelEvent, 64),
		done:    make(chan struct{}),
	}
}

// Connect dials, waits for the backend handshake, subscribes to the
// conversation, and starts the read loop. The synthetic connected status
// is the first thing delivered on Events.
//
// Dial failures are retried with the same bounded backoff as a mid-session
// reconnect; exhaustion is reported as an unavailable event on the stream
// and Connect returns nil, leaving the session in degraded mode.
func (c *Channel) Connect(ctx context.Context) error {
	conn, buffered, err := c.establish(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return domain.NewDomainError("transport.connect", ctx.Err(), c.opts.URL)
		}
		c.logger.Warn("initial dial failed, retrying",
			"max", c.opts.MaxReconnects,
			"error", err,
		)
		next, ok := c.reconnect()
		if !ok {
			// Exhaustion already went out on the stream; the read loop
			// never started, so the stream is closed here.
			close(c.events)
			return nil
		}
		c.wg.Add(1)
		go c.readLoop(next)
		return nil
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.emit(domain.ChannelEvent{Conn: &domain.ConnectionState{
		Status:      domain.ConnOpen,
		LastEventAt: time.Now(),
	}})
	for _, ev := range buffered {
		c.emit(domain.ChannelEvent{Server: &ev})
	}

	c.wg.Add(1)
	go c.readLoop(conn)
	return nil
}

// Events returns the inbound stream. Closed after Close or when reconnect
// attempts are exhausted.
func (c *Channel) Events() <-chan domain.ChannelEvent {
	return c.events
}

// Send writes a frame, subject to the outbound rate limit.
func (c *Channel) Send(ctx context.Context, frame domain.ClientFrame) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return domain.WrapOp("transport.send", err)
	}

	c.mu.Lock()
	conn := c.conn
	closed := c.closed
	c.mu.Unlock()
	if closed || conn == nil {
		return domain.WrapOp("transport.send", domain.ErrConnectionClosed)
	}

	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return domain.NewDomainError("transport.send", err, string(frame.Type))
	}
	return nil
}

// Close tears down the connection; the read loop exits and closes Events
// even when nobody is draining them. Waits for the read loop until ctx
// expires.
func (c *Channel) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close(websocket.StatusNormalClosure, "client shutdown")
	}

	stopped := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		return nil
	case <-ctx.Done():
		return domain.WrapOp("transport.close", ctx.Err())
	}
}

// establish dials through the circuit breaker, performs the handshake, and
// subscribes. Application events that arrive before the handshake frame
// are returned so they can be delivered after the connected status.
func (c *Channel) establish(ctx context.Context) (*websocket.Conn, []domain.ServerEvent, error) {
	conn, err := c.breaker.Execute(func() (*websocket.Conn, error) {
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
		defer cancel()
		conn, _, err := websocket.Dial(dialCtx, c.dialURL(), nil)
		return conn, err
	})
	if err != nil {
		return nil, nil, err
	}

	buffered, err := c.awaitHandshake(ctx, conn)
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, nil, err
	}

	subCtx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()
	err = wsjson.Write(subCtx, conn, domain.ClientFrame{
		Type:           domain.FrameSubscribe,
		ConversationID: c.opts.ConversationID,
	})
	if err != nil {
		conn.Close(websocket.StatusProtocolError, "subscribe failed")
		return nil, nil, err
	}
	return conn, buffered, nil
}

func (c *Channel) dialURL() string {
	if c.opts.AuthToken == "" {
		return c.opts.URL
	}
	return c.opts.URL + "?token=" + c.opts.AuthToken
}

// awaitHandshake reads frames until the backend's connected event arrives.
// Malformed frames during the handshake are dropped; other application
// events are buffered for later delivery, never surfaced early.
func (c *Channel) awaitHandshake(ctx context.Context, conn *websocket.Conn) ([]domain.ServerEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.HandshakeTimeout)
	defer cancel()

	var buffered []domain.ServerEvent
	for {
		_, raw, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, domain.ErrHandshakeTimeout
			}
			return nil, err
		}
		ev, err := protocol.Decode(raw)
		if err != nil {
			c.logger.Warn("dropping malformed frame during handshake", "error", err)
			continue
		}
		if ev.Kind == domain.KindConnected {
			return buffered, nil
		}
		buffered = append(buffered, ev)
	}
}

// readLoop delivers decoded frames in arrival order and reconnects on
// abnormal closure.
func (c *Channel) readLoop(conn *websocket.Conn) {
	defer c.wg.Done()
	defer close(c.events)

	for {
		_, raw, err := conn.Read(context.Background())
		if err != nil {
			if c.isClosed() {
				return
			}
			c.logger.Warn("connection lost", "error", err)
			next, ok := c.reconnect()
			if !ok {
				return
			}
			conn = next
			continue
		}

		ev, decodeErr := protocol.Decode(raw)
		if decodeErr != nil {
			if !c.emit(domain.ChannelEvent{DecodeErr: decodeErr}) {
				return
			}
			continue
		}
		if ev.Kind == domain.KindConnected {
			// Stray handshake repeat; already reported as a status change.
			continue
		}
		if !c.emit(domain.ChannelEvent{Server: &ev}) {
			return
		}
	}
}

// reconnect re-establishes the connection with exponential backoff. Returns
// false when attempts are exhausted or the channel was closed; exhaustion
// is reported on the event stream before the stream closes.
func (c *Channel) reconnect() (*websocket.Conn, bool) {
	c.emit(domain.ChannelEvent{Conn: &domain.ConnectionState{Status: domain.ConnConnecting}})

	for attempt := 0; attempt < c.opts.MaxReconnects; attempt++ {
		select {
		case <-time.After(retryBackoff(attempt)):
		case <-c.done:
			return nil, false
		}

		conn, buffered, err := c.establish(context.Background())
		if err != nil {
			c.logger.Warn("reconnect attempt failed",
				"attempt", attempt+1,
				"max", c.opts.MaxReconnects,
				"error", err,
			)
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			conn.Close(websocket.StatusNormalClosure, "client shutdown")
			return nil, false
		}
		c.conn = conn
		c.mu.Unlock()

		c.emit(domain.ChannelEvent{Conn: &domain.ConnectionState{
			Status:      domain.ConnOpen,
			LastEventAt: time.Now(),
		}})
		for _, ev := range buffered {
			sev := ev
			c.emit(domain.ChannelEvent{Server: &sev})
		}
		return conn, true
	}

	c.logger.Error("reconnect attempts exhausted", "max", c.opts.MaxReconnects)
	c.emit(domain.ChannelEvent{
		Conn:        &domain.ConnectionState{Status: domain.ConnClosed},
		Unavailable: true,
	})
	return nil, false
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// emit delivers an event unless the channel has been closed; a consumer
// that stopped reading must not wedge the read loop.
func (c *Channel) emit(ev domain.ChannelEvent) bool {
	select {
	case c.events <- ev:
		return true
	case <-c.done:
		return false
	}
}

// retryBackoff computes exponential backoff with jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	// Add 0-25% jitter.
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
