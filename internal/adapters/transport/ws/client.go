package ws

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/okian/fedlab/internal/adapters/mq/queue"
	"github.com/okian/fedlab/internal/adapters/mq/worker"
	"github.com/okian/fedlab/internal/domain/trainer"
	"github.com/okian/fedlab/pkg/logger"
)

const (
	defaultConnectRetries = 5
	defaultConnectBackoff = time.Second
	clientShutdownTimeout = 5 * time.Second
	inboxCapacity         = 8
)

// Client connects a Trainer to a coordinator and serves its instructions
// until the coordinator ends the run.
type Client struct {
	addr    string
	id      string
	trainer trainer.Trainer

	retries      int
	backoff      time.Duration
	writeTimeout time.Duration
	dialer       *websocket.Dialer
	log          logger.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithClientLogger sets a custom logger.
func WithClientLogger(l logger.Logger) ClientOption {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithConnectRetries sets how often the initial dial is retried and the
// pause between attempts.
func WithConnectRetries(retries int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if retries >= 0 {
			c.retries = retries
		}
		if backoff > 0 {
			c.backoff = backoff
		}
	}
}

// NewClient creates a client for the coordinator at addr, either host:port
// or a ws:// URL. An empty id is replaced with a random one.
func NewClient(addr, id string, t trainer.Trainer, opts ...ClientOption) *Client {
	if strings.TrimSpace(id) == "" {
		id = uuid.NewString()
	}
	c := &Client{
		addr:         addr,
		id:           id,
		trainer:      t,
		retries:      defaultConnectRetries,
		backoff:      defaultConnectBackoff,
		writeTimeout: defaultWriteTimeout,
		dialer:       websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Get().Named("ws-client")
	}
	return c
}

// ID returns the id announced to the coordinator.
func (c *Client) ID() string { return c.id }

// URL returns the websocket endpoint dialled by the client.
func (c *Client) URL() string {
	if strings.HasPrefix(c.addr, "ws://") || strings.HasPrefix(c.addr, "wss://") {
		return c.addr
	}
	u := url.URL{Scheme: "ws", Host: c.addr, Path: Path}
	return u.String()
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	var lastErr error
	for attempt := 0; attempt <= c.retries; attempt++ {
		if attempt > 0 {
			c.log.Warn(ctx, "connect failed, retrying",
				logger.Int("attempt", attempt),
				logger.Duration("backoff", c.backoff),
				logger.Error(lastErr),
			)
			select {
			case <-time.After(c.backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		conn, _, err := c.dialer.DialContext(ctx, c.URL(), nil)
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("dial %s after %d attempts: %w", c.URL(), c.retries+1, lastErr)
}

// Run connects and serves instructions one at a time. It returns nil when
// the coordinator ends the run with a reconnect instruction.
func (c *Client) Run(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	conn.SetReadLimit(maxMessageBytes)
	c.log.Info(ctx, "connected to coordinator", logger.String("url", c.URL()), logger.String("client", c.id))

	_ = conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	if err := conn.WriteJSON(Hello{Kind: KindHello, ClientID: c.id}); err != nil {
		_ = conn.Close()
		return fmt.Errorf("send hello: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	inbox := queue.NewInMemoryQueue[Instruction](queue.WithName("ws-inbox"), queue.WithCapacity(inboxCapacity))
	s := &session{conn: conn, trainer: c.trainer, writeTimeout: c.writeTimeout, log: c.log, ending: make(chan struct{}), finished: make(chan struct{})}
	exec := worker.New[Instruction](inbox, worker.HandlerFunc[Instruction](s.execute),
		worker.WithName("ws-executor"), worker.WithLogger(c.log))
	go exec.Run(runCtx)

	defer func() {
		_ = conn.Close()
		_ = inbox.Close()
		cancel()
		sctx, scancel := context.WithTimeout(context.Background(), clientShutdownTimeout)
		defer scancel()
		_ = exec.Shutdown(sctx)
	}()

	readErr := make(chan error, 1)
	go func() {
		for {
			var ins Instruction
			if err := conn.ReadJSON(&ins); err != nil {
				readErr <- err
				return
			}
			if err := inbox.Offer(runCtx, ins); err != nil {
				c.log.Warn(runCtx, "dropping instruction", logger.String("kind", ins.Kind), logger.Error(err))
			}
		}
	}()

	select {
	case <-s.finished:
		c.log.Info(ctx, "coordinator ended the run")
		s.closeNormally()
		return nil
	case err := <-readErr:
		select {
		case <-s.ending:
			return nil
		default:
		}
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	case <-ctx.Done():
		s.closeNormally()
		return ctx.Err()
	}
}

// session executes instructions against the trainer and writes replies.
// Only the executor worker writes after the hello frame.
type session struct {
	conn         *websocket.Conn
	trainer      trainer.Trainer
	writeTimeout time.Duration
	log          logger.Logger

	writeMu  sync.Mutex
	once     sync.Once
	ending   chan struct{}
	finished chan struct{}
}

func (s *session) execute(ctx context.Context, ins Instruction) error {
	r := Reply{ID: ins.ID, Kind: ins.Kind}
	var err error
	switch ins.Kind {
	case KindGetParameters:
		r.Parameters, err = s.trainer.GetParameters(ctx)
	case KindFit:
		s.log.Info(ctx, "fit requested", logger.Int("round", ins.Round),
			logger.Int("local_epochs", ins.Config.LocalEpochs), logger.Float64("lr", ins.Config.LearningRate))
		res, ferr := s.trainer.Fit(ctx, ins.Parameters, ins.Config)
		err = ferr
		r.Parameters, r.NumExamples, r.Metadata = res.Parameters, res.NumExamples, res.Metadata
	case KindEvaluate:
		s.log.Info(ctx, "evaluate requested", logger.Int("round", ins.Round))
		res, eerr := s.trainer.Evaluate(ctx, ins.Parameters, ins.Config)
		err = eerr
		r.Loss, r.NumExamples, r.Metrics, r.EmptyPartition = res.Loss, res.NumExamples, res.Metrics, res.EmptyPartition
	case KindReconnect:
		first := false
		s.once.Do(func() { close(s.ending); first = true })
		werr := s.send(r)
		if first {
			close(s.finished)
		}
		return werr
	default:
		r.Error, r.Code = fmt.Sprintf("unknown instruction %q", ins.Kind), CodeUnknownInstruction
	}
	if err != nil {
		s.log.Error(ctx, "instruction failed", logger.String("kind", ins.Kind), logger.Error(err))
		r = Reply{ID: ins.ID, Kind: ins.Kind, Error: err.Error(), Code: codeOf(err)}
	}
	return s.send(r)
}

func (s *session) send(r Reply) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteJSON(r)
}

func (s *session) closeNormally() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
}
