package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/pimux/muxd/internal/logging"
	"github.com/pimux/muxd/internal/muxserver"
)

// Duplex is the framed WebSocket carrier: one long-lived, bidirectional
// connection per client, admitted through the session manager's
// RegisterConnection like every other carrier. Grounded on
// ashureev-shsh-labs/internal/terminal/websocket.go's handler (Accept,
// origin check, input/output loop pair coordinated by a cancellable
// context and a two-item WaitGroup), generalized from a single-purpose
// terminal relay into the multiplexer's bidirectional command/response/
// event channel with its own backpressure and heartbeat policy.
type Duplex struct {
	cfg     Config
	server  *muxserver.Server
	router  *router
	httpSrv *http.Server
}

// NewDuplex builds the duplex carrier. server admits/evicts connections
// and resolves event subscriptions; executor runs every decoded command.
func NewDuplex(cfg Config, server *muxserver.Server, executor Executor) *Duplex {
	return &Duplex{
		cfg:    cfg,
		server: server,
		router: newRouter(cfg, executor),
	}
}

// ListenAndServe starts the WebSocket listener and blocks until Shutdown
// is called or the listener fails.
func (d *Duplex) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.Handle("/", d)
	d.httpSrv = &http.Server{Addr: d.cfg.WebSocketAddr, Handler: mux}
	if err := d.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the WebSocket listener.
func (d *Duplex) Shutdown(ctx context.Context) error {
	if d.httpSrv == nil {
		return nil
	}
	return d.httpSrv.Shutdown(ctx)
}

// ServeHTTP upgrades the request and drives one connection until either
// side closes it.
func (d *Duplex) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		logging.Logger.Warn().Err(err).Msg("websocket accept failed")
		return
	}

	connID := uuid.NewString()
	conn := &wsConn{
		id:     connID,
		ws:     ws,
		cfg:    d.cfg,
		outbox: make(chan []byte, 256),
		closed: make(chan struct{}),
	}

	unregister, err := d.server.RegisterConnection(conn)
	if err != nil {
		conn.closeWith(websocket.StatusPolicyViolation, err.Error())
		return
	}
	defer unregister()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		conn.writeLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		conn.heartbeatLoop(ctx, d.cfg.HeartbeatInterval, d.cfg.PongTimeout)
	}()

	d.readLoop(ctx, conn)
	cancel()
	wg.Wait()
}

func (d *Duplex) readLoop(ctx context.Context, conn *wsConn) {
	for {
		_, data, err := conn.ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 {
				logging.Logger.Warn().Err(err).Str("connId", conn.id).Msg("websocket read failed")
			}
			conn.closeWith(websocket.StatusNormalClosure, "")
			return
		}

		cmdCtx := muxserver.ContextWithConnection(ctx, conn.id)
		out := d.router.handle(cmdCtx, data)
		if err := conn.sendBytes(out, kindCritical); err != nil {
			logging.Logger.Warn().Err(err).Str("connId", conn.id).Msg("failed to send response")
		}
	}
}

// wsConn implements muxserver.Connection over one accepted WebSocket. Its
// own send queue tracks buffered bytes so Send can apply spec.md §5's
// backpressure thresholds without any introspection into the library's
// internal write buffer.
type wsConn struct {
	id  string
	ws  *websocket.Conn
	cfg Config

	outbox      chan []byte
	queuedBytes int64 // atomic; bytes handed to outbox but not yet written

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *wsConn) ID() string { return c.id }

// Send implements muxserver.Connection. Events (lifecycle/session
// broadcasts) are dropped once buffered bytes cross the soft threshold;
// responses are always attempted, and the connection is closed outright
// if buffered bytes cross the hard threshold regardless of frame kind.
func (c *wsConn) Send(frame any) error {
	data, err := encodeFrame(frame)
	if err != nil {
		return err
	}
	return c.sendBytes(data, classifyFrame(frame))
}

func (c *wsConn) sendBytes(data []byte, kind frameKind) error {
	n := int64(len(data))
	q := atomic.AddInt64(&c.queuedBytes, n)

	if q > int64(c.cfg.BackpressureCloseBytes) {
		atomic.AddInt64(&c.queuedBytes, -n)
		c.closeWith(websocket.StatusPolicyViolation, "send buffer exceeded hard limit")
		return fmt.Errorf("transport: connection %s closed, buffered bytes %d exceeds hard limit", c.id, q)
	}
	if kind == kindEvent && q > int64(c.cfg.BackpressureWarnBytes) {
		atomic.AddInt64(&c.queuedBytes, -n)
		return fmt.Errorf("transport: dropped event frame for %s, buffered bytes %d exceeds soft limit", c.id, q)
	}

	select {
	case c.outbox <- data:
		return nil
	case <-c.closed:
		atomic.AddInt64(&c.queuedBytes, -n)
		return fmt.Errorf("transport: connection %s is closed", c.id)
	}
}

func (c *wsConn) writeLoop(ctx context.Context) {
	for {
		select {
		case data, ok := <-c.outbox:
			if !ok {
				return
			}
			err := c.ws.Write(ctx, websocket.MessageText, data)
			atomic.AddInt64(&c.queuedBytes, -int64(len(data)))
			if err != nil {
				c.closeWith(websocket.StatusInternalError, "write failed")
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// heartbeatLoop pings the connection every interval and relies on Ping's
// own context deadline to detect a silent zombie: a client that stops
// answering pongs gets evicted once the deadline for one ping elapses.
func (c *wsConn) heartbeatLoop(ctx context.Context, interval, pongTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closed:
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, pongTimeout)
			err := c.ws.Ping(pingCtx)
			cancel()
			if err != nil {
				logging.Logger.Warn().Str("connId", c.id).Err(err).Msg("heartbeat pong deadline exceeded")
				c.closeWith(websocket.StatusPolicyViolation, "heartbeat timeout")
				return
			}
		}
	}
}

func (c *wsConn) closeWith(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close(code, reason)
	})
}
