package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zeusync/gamehost/internal/core/observability/log"
)

const (
	path         = "/ipc"
	writeTimeout = 5 * time.Second
)

var (
	ErrAlreadyBound     = errors.New("ipc transport already bound")
	ErrClosed           = errors.New("ipc transport closed")
	ErrMalformedMessage = errors.New("malformed ipc message")
)

// Handler processes a message received by the primary instance. A non-nil return is
// sent back to the sender.
type Handler func(Envelope) *Envelope

type Option func(*Transport)

func WithLogger(logger log.Log) Option {
	return func(t *Transport) { t.logger = logger }
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(t *Transport) { t.dialer = dialer }
}

// Transport connects instances sharing one address. The first to Bind becomes the
// primary and serves incoming messages; the others are secondaries that can only send.
type Transport struct {
	addr     string
	logger   log.Log
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	handler atomic.Pointer[Handler]
	closed  atomic.Bool

	mu       sync.Mutex
	bound    bool
	primary  bool
	listener net.Listener
	server   *http.Server
	serveErr chan error
}

func New(addr string, opts ...Option) *Transport {
	t := &Transport{
		addr:   addr,
		logger: log.NewNop(),
		dialer: websocket.DefaultDialer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(log.String("component", "ipc"))
	return t
}

// Bind tries to listen on the address. It reports whether this instance is the primary;
// an address already in use means another instance got there first.
func (t *Transport) Bind() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed.Load() {
		return false, ErrClosed
	}
	if t.bound {
		return false, ErrAlreadyBound
	}

	listener, err := net.Listen("tcp", t.addr)
	if err != nil {
		if errors.Is(err, syscall.EADDRINUSE) {
			t.bound = true
			t.logger.Info("ipc address in use, running as secondary", log.String("addr", t.addr))
			return false, nil
		}
		return false, fmt.Errorf("bind ipc %s: %w", t.addr, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, t.handleConnection)
	t.listener = listener
	t.server = &http.Server{Handler: mux, ReadHeaderTimeout: writeTimeout}
	t.serveErr = make(chan error, 1)
	t.bound, t.primary = true, true

	go func() {
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.logger.Error("ipc server stopped", log.Error(err))
			t.serveErr <- err
		}
		close(t.serveErr)
	}()

	t.logger.Info("ipc bound as primary", log.String("addr", listener.Addr().String()))
	return true, nil
}

// Primary reports whether Bind made this instance the primary.
func (t *Transport) Primary() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.primary
}

// Addr is the address messages are sent to, resolved once bound as primary.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != nil {
		return t.listener.Addr().String()
	}
	return t.addr
}

// OnMessage replaces the handler for incoming messages.
func (t *Transport) OnMessage(handler Handler) {
	t.handler.Store(&handler)
}

// Send delivers env to the primary instance.
func (t *Transport) Send(ctx context.Context, env Envelope) error {
	conn, err := t.dial(ctx, env)
	if err != nil {
		return err
	}
	defer conn.Close()

	t.closeConn(conn)
	return nil
}

// SendWithResponse delivers env and waits for the primary's reply. A nil envelope
// means the primary handled the message without replying.
func (t *Transport) SendWithResponse(ctx context.Context, env Envelope) (*Envelope, error) {
	conn, err := t.dial(ctx, env)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(deadline)
	}

	var reply Envelope
	if err := conn.ReadJSON(&reply); err != nil {
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, nil
		}
		return nil, fmt.Errorf("read ipc reply: %w", err)
	}
	t.closeConn(conn)
	return &reply, nil
}

func (t *Transport) dial(ctx context.Context, env Envelope) (*websocket.Conn, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}
	if err := env.validate(); err != nil {
		return nil, err
	}

	conn, _, err := t.dialer.DialContext(ctx, "ws://"+t.Addr()+path, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ipc %s: %w", t.Addr(), err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send ipc %s: %w", env.Type, err)
	}
	return conn, nil
}

func (t *Transport) handleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.logger.Warn("ipc upgrade failed", log.Error(err))
		return
	}
	defer conn.Close()

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Debug("ipc connection ended", log.Error(err))
			}
			return
		}
		if err := env.validate(); err != nil {
			t.logger.Warn("dropping ipc message", log.Error(err))
			continue
		}

		reply := t.dispatch(env)
		if reply == nil {
			t.closeConn(conn)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteJSON(reply); err != nil {
			t.logger.Warn("ipc reply failed", log.String("type", reply.Type), log.Error(err))
			return
		}
	}
}

func (t *Transport) dispatch(env Envelope) (reply *Envelope) {
	handler := t.handler.Load()
	if handler == nil || *handler == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("ipc handler panicked", log.String("type", env.Type), log.Any("panic", r))
			reply = nil
		}
	}()
	return (*handler)(env)
}

func (t *Transport) closeConn(conn *websocket.Conn) {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

// Close stops serving. It is safe to call more than once.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.mu.Lock()
	server, serveErr := t.server, t.serveErr
	t.mu.Unlock()

	if server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("close ipc: %w", err)
	}
	return <-serveErr
}
