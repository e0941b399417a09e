package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/okian/fedlab/internal/adapters/mq/queue"
	"github.com/okian/fedlab/internal/adapters/mq/worker"
	"github.com/okian/fedlab/internal/domain/model"
	"github.com/okian/fedlab/internal/domain/params"
	"github.com/okian/fedlab/pkg/logger"
	"github.com/okian/fedlab/pkg/metrics"
)

const (
	defaultHelloTimeout = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	defaultSendQueue    = 16
	maxMessageBytes     = 256 << 20
)

// ConnectFunc is called once a client has said hello. Returning an error
// rejects the client.
type ConnectFunc func(p *Proxy) error

// DisconnectFunc is called after a client connection ends.
type DisconnectFunc func(p *Proxy)

// Server upgrades HTTP requests to client sessions.
type Server struct {
	upgrader     websocket.Upgrader
	onConnect    ConnectFunc
	onDisconnect DisconnectFunc
	helloTimeout time.Duration
	writeTimeout time.Duration
	log          logger.Logger
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithServerLogger sets a custom logger.
func WithServerLogger(l logger.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithHelloTimeout bounds the wait for the hello frame.
func WithHelloTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.helloTimeout = d
		}
	}
}

// WithWriteTimeout bounds every frame write.
func WithWriteTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.writeTimeout = d
		}
	}
}

// NewServer creates a Server. onDisconnect may be nil.
func NewServer(onConnect ConnectFunc, onDisconnect DisconnectFunc, opts ...ServerOption) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		onConnect:    onConnect,
		onDisconnect: onDisconnect,
		helloTimeout: defaultHelloTimeout,
		writeTimeout: defaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Get().Named("ws-server")
	}
	return s
}

// ServeHTTP runs one client session for the lifetime of the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn(ctx, "websocket upgrade failed", logger.Error(err))
		return
	}
	conn.SetReadLimit(maxMessageBytes)

	id, err := s.readHello(conn)
	if err != nil {
		s.log.Warn(ctx, "rejecting client", logger.String("remote", r.RemoteAddr), logger.Error(err))
		s.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
		return
	}

	p := newProxy(id, conn, s.writeTimeout, s.log.With(logger.String("client", id)))
	if s.onConnect != nil {
		if err := s.onConnect(p); err != nil {
			s.log.Warn(ctx, "client refused", logger.String("client", id), logger.Error(err))
			s.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
			p.close()
			return
		}
	}
	s.log.Info(ctx, "client connected", logger.String("client", id), logger.String("remote", r.RemoteAddr))

	p.readLoop(ctx)

	p.close()
	if s.onDisconnect != nil {
		s.onDisconnect(p)
	}
	s.log.Info(ctx, "client disconnected", logger.String("client", id))
}

func (s *Server) readHello(conn *websocket.Conn) (string, error) {
	_ = conn.SetReadDeadline(time.Now().Add(s.helloTimeout))
	var h Hello
	if err := conn.ReadJSON(&h); err != nil {
		return "", err
	}
	_ = conn.SetReadDeadline(time.Time{})
	if h.Kind != KindHello {
		return "", ErrBadHello
	}
	id := strings.TrimSpace(h.ClientID)
	if id == "" {
		id = uuid.NewString()
	}
	return id, nil
}

func (s *Server) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	_ = conn.Close()
}

// Proxy is the coordinator-side handle of a connected client. Calls are
// safe for concurrent use; frames are written by a single writer worker.
type Proxy struct {
	id           string
	conn         *websocket.Conn
	writeTimeout time.Duration
	log          logger.Logger

	out    *queue.InMemoryQueue[Instruction]
	writer *worker.Worker[Instruction]
	cancel context.CancelFunc

	mu      sync.Mutex
	pending map[string]chan Reply

	closeOnce sync.Once
	closed    chan struct{}
}

func newProxy(id string, conn *websocket.Conn, writeTimeout time.Duration, log logger.Logger) *Proxy {
	p := &Proxy{
		id:           id,
		conn:         conn,
		writeTimeout: writeTimeout,
		log:          log,
		out:          queue.NewInMemoryQueue[Instruction](queue.WithName("ws-send"), queue.WithCapacity(defaultSendQueue)),
		pending:      map[string]chan Reply{},
		closed:       make(chan struct{}),
	}
	p.writer = worker.New[Instruction](p.out, worker.HandlerFunc[Instruction](p.write),
		worker.WithName("ws-writer"), worker.WithLogger(log))
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	go p.writer.Run(ctx)
	return p
}

// ID returns the client id announced in the hello frame.
func (p *Proxy) ID() string { return p.id }

// Done is closed when the connection ends.
func (p *Proxy) Done() <-chan struct{} { return p.closed }

func (p *Proxy) write(_ context.Context, ins Instruction) error {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout))
	return p.conn.WriteJSON(ins)
}

func (p *Proxy) readLoop(ctx context.Context) {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.log.Debug(ctx, "read ended", logger.Error(err))
			}
			return
		}
		var r Reply
		if err := json.Unmarshal(data, &r); err != nil {
			p.log.Warn(ctx, "malformed reply", logger.Error(err))
			metrics.RecordErrorByComponent("ws-proxy", "malformed_reply")
			continue
		}
		p.mu.Lock()
		ch, ok := p.pending[r.ID]
		delete(p.pending, r.ID)
		p.mu.Unlock()
		if !ok {
			p.log.Debug(ctx, "dropping reply without pending call", logger.String("id", r.ID), logger.String("kind", r.Kind))
			metrics.RecordErrorByComponent("ws-proxy", "late_reply")
			continue
		}
		ch <- r
	}
}

func (p *Proxy) close() {
	p.closeOnce.Do(func() {
		close(p.closed)
		_ = p.out.Close()
		p.cancel()
		_ = p.conn.Close()
	})
}

// Close ends the session.
func (p *Proxy) Close() error {
	p.close()
	return nil
}

// call sends ins and waits for the reply carrying its id.
func (p *Proxy) call(ctx context.Context, ins Instruction) (Reply, error) {
	ins.ID = uuid.NewString()
	ch := make(chan Reply, 1)
	p.mu.Lock()
	p.pending[ins.ID] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, ins.ID)
		p.mu.Unlock()
	}()

	select {
	case <-p.closed:
		return Reply{}, ErrClosed
	default:
	}
	if err := p.out.Offer(ctx, ins); err != nil {
		if errors.Is(err, queue.ErrClosed) {
			return Reply{}, ErrClosed
		}
		return Reply{}, err
	}

	select {
	case r := <-ch:
		if r.Kind != ins.Kind {
			return r, ErrUnexpectedKind
		}
		return r, replyError(r)
	case <-p.closed:
		return Reply{}, ErrClosed
	case <-ctx.Done():
		return Reply{}, ctx.Err()
	}
}

// GetParameters asks the client for its current parameters.
func (p *Proxy) GetParameters(ctx context.Context) (params.Parameters, error) {
	r, err := p.call(ctx, Instruction{Kind: KindGetParameters})
	if err != nil {
		return nil, err
	}
	return r.Parameters, nil
}

// Fit asks the client to train on global.
func (p *Proxy) Fit(ctx context.Context, round int, global params.Parameters, cfg model.RoundConfig) (model.FitResult, error) {
	r, err := p.call(ctx, Instruction{Kind: KindFit, Round: round, Parameters: global, Config: cfg})
	if err != nil {
		return model.FitResult{}, err
	}
	return model.FitResult{Parameters: r.Parameters, NumExamples: r.NumExamples, Metadata: r.Metadata}, nil
}

// Evaluate asks the client to score global on its held-out split.
func (p *Proxy) Evaluate(ctx context.Context, round int, global params.Parameters, cfg model.RoundConfig) (model.EvalResult, error) {
	r, err := p.call(ctx, Instruction{Kind: KindEvaluate, Round: round, Parameters: global, Config: cfg})
	if err != nil {
		return model.EvalResult{}, err
	}
	return model.EvalResult{
		Loss:           r.Loss,
		NumExamples:    r.NumExamples,
		Metrics:        r.Metrics,
		EmptyPartition: r.EmptyPartition,
	}, nil
}

// Reconnect tells the client the run is over and closes the session once
// the client acknowledged.
func (p *Proxy) Reconnect(ctx context.Context) error {
	_, err := p.call(ctx, Instruction{Kind: KindReconnect})
	p.close()
	return err
}
