// Package wsconn binds pkg/transport.Transport to a real WebSocket using
// gorilla/websocket, with the ping/pong keepalive and read/write pump
// idiom used throughout go-sdk/pkg/transport/websocket/connection.go,
// scaled down to what signalmesh's session layer needs.
package wsconn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/mattsp1290/signalmesh/pkg/transport"
)

// Config controls timeouts, buffer sizes and keepalive cadence. Grounded
// on ConnectionConfig in go-sdk/pkg/transport/websocket/connection.go.
type Config struct {
	PingPeriod     time.Duration
	PongWait       time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64

	// RateLimiter bounds outbound message rate. Nil disables limiting.
	RateLimiter *rate.Limiter

	Logger *zap.Logger
}

// DefaultConfig mirrors the teacher's DefaultConnectionConfig defaults,
// scaled for a JSON-patch-sized payload workload rather than AG-UI's
// event stream.
func DefaultConfig() Config {
	return Config{
		PingPeriod:     30 * time.Second,
		PongWait:       60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 256 * 1024,
		RateLimiter:    rate.NewLimiter(rate.Limit(200), 50),
		Logger:         zap.NewNop(),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Accept upgrades an inbound HTTP request to a WebSocket connection and
// wraps it as a transport.Transport.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config) (transport.Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	return newConn(conn, cfg), nil
}

// Dial connects to a WebSocket server at url and wraps the connection as
// a transport.Transport.
func Dial(ctx context.Context, url string, cfg Config) (transport.Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return newConn(conn, cfg), nil
}

// Conn adapts a *websocket.Conn to transport.Transport via buffered
// readPump/writePump goroutines, matching the teacher's pump split so a
// slow reader cannot stall the writer (and vice versa).
type Conn struct {
	ws  *websocket.Conn
	cfg Config

	writeMu sync.Mutex

	inbound  chan []byte
	outbound chan []byte
	done     chan struct{}
	closeOnce sync.Once

	stateMu sync.RWMutex
	state   transport.State

	readErrOnce sync.Once
	readErr     error
}

func newConn(ws *websocket.Conn, cfg Config) *Conn {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.MaxMessageSize > 0 {
		ws.SetReadLimit(cfg.MaxMessageSize)
	}
	c := &Conn{
		ws:       ws,
		cfg:      cfg,
		inbound:  make(chan []byte, 64),
		outbound: make(chan []byte, 64),
		done:     make(chan struct{}),
		state:    transport.StateConnected,
	}

	ws.SetPongHandler(func(string) error {
		if c.cfg.PongWait > 0 {
			return ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
		}
		return nil
	})
	if c.cfg.PongWait > 0 {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.PongWait))
	}

	go c.readPump()
	go c.writePump()
	return c
}

func (c *Conn) readPump() {
	// Closing c.inbound here (readPump is its only writer) lets Recv
	// distinguish "the connection actually died, here's why" from
	// "someone called Close" instead of always reporting the latter:
	// the channel close happens-before Recv's receive of the resulting
	// zero value, so reading c.readErr there is safe without its own lock.
	defer close(c.inbound)
	defer c.shutdown(nil)
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// shutdown already ran; this read error is its consequence.
			default:
				c.readErrOnce.Do(func() { c.readErr = err })
			}
			return
		}
		select {
		case c.inbound <- msg:
		case <-c.done:
			return
		}
	}
}

func (c *Conn) writePump() {
	var ticker *time.Ticker
	var tickC <-chan time.Time
	if c.cfg.PingPeriod > 0 {
		ticker = time.NewTicker(c.cfg.PingPeriod)
		tickC = ticker.C
		defer ticker.Stop()
	}

	for {
		select {
		case <-c.done:
			return
		case <-tickC:
			if err := c.writeControl(websocket.PingMessage); err != nil {
				c.shutdown(err)
				return
			}
		case msg, ok := <-c.outbound:
			if !ok {
				return
			}
			if c.cfg.RateLimiter != nil {
				_ = c.cfg.RateLimiter.Wait(context.Background())
			}
			c.writeMu.Lock()
			if c.cfg.WriteTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			}
			err := c.ws.WriteMessage(websocket.TextMessage, msg)
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *Conn) writeControl(kind int) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(5 * time.Second)
	return c.ws.WriteControl(kind, nil, deadline)
}

// Send enqueues message for the write pump, respecting ctx cancellation
// and the configured rate limiter.
func (c *Conn) Send(ctx context.Context, message []byte) error {
	select {
	case c.outbound <- message:
		return nil
	case <-c.done:
		return transport.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Recv returns the next inbound frame.
func (c *Conn) Recv(ctx context.Context) ([]byte, error) {
	// Drain any frame already buffered before considering the connection
	// closed: c.done can close while c.inbound still holds frames
	// readPump delivered before it saw the read error, and a plain
	// three-way select would pick between them pseudo-randomly.
	select {
	case msg, ok := <-c.inbound:
		if ok {
			return msg, nil
		}
		return nil, c.closeErr()
	default:
	}

	select {
	case msg, ok := <-c.inbound:
		if !ok {
			return nil, c.closeErr()
		}
		return msg, nil
	case <-c.done:
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// closeErr reports why the connection's read side ended: the real
// transport error readPump observed, or ErrClosed if it ended because
// Close was called rather than a read failure.
func (c *Conn) closeErr() error {
	if c.readErr != nil {
		return c.readErr
	}
	return transport.ErrClosed
}

func (c *Conn) State() transport.State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

func (c *Conn) setState(s transport.State) {
	c.stateMu.Lock()
	c.state = s
	c.stateMu.Unlock()
}

func (c *Conn) shutdown(err error) {
	c.closeOnce.Do(func() {
		c.setState(transport.StateDisconnecting)
		close(c.done)
		_ = c.ws.Close()
		c.setState(transport.StateDisconnected)
	})
	_ = err
}

// Close terminates the connection; safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}
