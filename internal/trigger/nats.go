package trigger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	natslib "github.com/nats-io/nats.go"

	logx "bgtask/pkg/logx"
)

// NATSConfig configures the wake subscriber.
type NATSConfig struct {
	URL     string
	Subject string
	// Queue, when set, load-balances wakes across daemons in the same group.
	Queue          string
	Name           string
	ConnectRetries int
	RetryDelay     time.Duration
}

func (c NATSConfig) withDefaults() NATSConfig {
	if strings.TrimSpace(c.URL) == "" {
		c.URL = natslib.DefaultURL
	}
	if strings.TrimSpace(c.Subject) == "" {
		c.Subject = "bgtask.wake"
	}
	if c.Name == "" {
		c.Name = "bgtaskd"
	}
	if c.ConnectRetries <= 0 {
		c.ConnectRetries = 5
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = 2 * time.Second
	}
	return c
}

// wakeMessage is the JSON body of a wake request. Deadline is RFC 3339.
type wakeMessage struct {
	Identifier string    `json:"identifier"`
	Deadline   time.Time `json:"deadline,omitempty"`
}

type wakeReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// NATS turns messages on a subject into wakes. Messages with a reply
// subject receive {"ok":bool} once the wake is acknowledged.
type NATS struct {
	cfg     NATSConfig
	out     chan<- Wake
	limiter *Limiter
	log     logx.Logger

	mu   sync.Mutex
	conn *natslib.Conn
	sub  *natslib.Subscription
}

func NewNATS(cfg NATSConfig, out chan<- Wake, limiter *Limiter, log logx.Logger) *NATS {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &NATS{cfg: cfg.withDefaults(), out: out, limiter: limiter, log: log}
}

// Start connects (with retries) and subscribes. Wakes delivered after ctx
// ends are acknowledged as not ok.
func (n *NATS) Start(ctx context.Context) error {
	conn, err := n.connect(ctx)
	if err != nil {
		return err
	}
	n.mu.Lock()
	n.conn = conn
	n.mu.Unlock()

	handler := func(msg *natslib.Msg) {
		n.handle(ctx, msg.Data, func(b []byte) error {
			if msg.Reply == "" {
				return nil
			}
			return msg.Respond(b)
		})
	}
	var sub *natslib.Subscription
	if n.cfg.Queue != "" {
		sub, err = conn.QueueSubscribe(n.cfg.Subject, n.cfg.Queue, handler)
	} else {
		sub, err = conn.Subscribe(n.cfg.Subject, handler)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("subscribe %s: %w", n.cfg.Subject, err)
	}
	n.mu.Lock()
	n.sub = sub
	n.mu.Unlock()
	n.log.Info("subscribed to wakes", logx.String("subject", n.cfg.Subject), logx.String("queue", n.cfg.Queue))
	return nil
}

func (n *NATS) connect(ctx context.Context) (*natslib.Conn, error) {
	var lastErr error
	for attempt := 1; attempt <= n.cfg.ConnectRetries; attempt++ {
		conn, err := natslib.Connect(n.cfg.URL,
			natslib.Name(n.cfg.Name),
			natslib.Timeout(n.cfg.RetryDelay),
			natslib.MaxReconnects(-1),
			natslib.DisconnectErrHandler(func(_ *natslib.Conn, err error) {
				if err != nil {
					n.log.Warn("nats disconnected", logx.Err(err))
				}
			}),
			natslib.ReconnectHandler(func(c *natslib.Conn) {
				n.log.Info("nats reconnected", logx.String("url", c.ConnectedUrl()))
			}),
		)
		if err == nil {
			n.log.Info("connected to nats", logx.Int("attempt", attempt), logx.Int("of", n.cfg.ConnectRetries))
			return conn, nil
		}
		lastErr = err
		n.log.Warn("nats connect failed", logx.Int("attempt", attempt), logx.Int("of", n.cfg.ConnectRetries), logx.Err(err))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(n.cfg.RetryDelay):
		}
	}
	return nil, fmt.Errorf("connect nats after %d attempts: %w", n.cfg.ConnectRetries, lastErr)
}

// Stop drains the subscription and closes the connection.
func (n *NATS) Stop() {
	n.mu.Lock()
	conn, sub := n.conn, n.sub
	n.conn, n.sub = nil, nil
	n.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	if conn != nil {
		_ = conn.Drain()
		conn.Close()
	}
}

func (n *NATS) handle(ctx context.Context, data []byte, reply func([]byte) error) {
	respond := func(r wakeReply) {
		b, _ := json.Marshal(r)
		if err := reply(b); err != nil {
			n.log.Warn("wake reply failed", logx.Err(err))
		}
	}

	w, err := decodeWake(data)
	if err != nil {
		n.log.Warn("bad wake message", logx.Err(err))
		respond(wakeReply{Error: err.Error()})
		return
	}
	if !n.limiter.Allow(w.Identifier) {
		n.log.Debug("wake rate limited", logx.String("task", w.Identifier))
		respond(wakeReply{Error: "rate limited"})
		return
	}
	var once sync.Once
	w.Ack = func(ok bool) {
		once.Do(func() { respond(wakeReply{OK: ok}) })
	}
	Send(ctx, n.out, w)
}

func decodeWake(data []byte) (Wake, error) {
	var m wakeMessage
	if len(strings.TrimSpace(string(data))) == 0 {
		return Wake{Source: "nats"}, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Wake{}, fmt.Errorf("decode wake: %w", err)
	}
	id := strings.TrimSpace(m.Identifier)
	if id == "" && !m.Deadline.IsZero() {
		return Wake{}, errors.New("deadline requires an identifier")
	}
	return Wake{Identifier: id, Deadline: m.Deadline, Source: "nats"}, nil
}
