// Package notify delivers task outcome notifications. Delivery depends on a
// permission grant obtained once at startup; without it notifications are
// dropped and the rest of the daemon is unaffected.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"bgtask/internal/eventbus"
	logx "bgtask/pkg/logx"
)

var (
	ErrDisabled     = errors.New("notifier disabled")
	ErrNotPermitted = errors.New("notifications not permitted")
	ErrQueueFull    = errors.New("notifier queue full")
)

type Config struct {
	Enabled   bool
	QueueSize int
	// RatePerSec bounds outgoing messages; 0 means 1.
	RatePerSec float64
	// NotifyCompleted also reports successful executions.
	NotifyCompleted bool
	// DedupWindow suppresses identical messages within the window.
	DedupWindow time.Duration
}

// Sender delivers one message; silent messages must not ring.
type Sender interface {
	Send(ctx context.Context, text string, silent bool) error
}

type message struct {
	text string
}

type HistoryItem struct {
	At   time.Time
	Text string
	Err  string
}

// Service turns task events into messages and sends them in the background.
type Service struct {
	mu       sync.Mutex
	cfg      Config
	grant    Grant
	limiter  *rate.Limiter
	failures map[string]int
	dedup    map[string]time.Time

	sender Sender
	log    logx.Logger
	queue  chan message

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{sender: sender, log: log, failures: map[string]int{}, dedup: map[string]time.Time{}}
	s.applyLocked(cfg)
	s.queue = make(chan message, s.cfg.QueueSize)
	return s
}

// Apply swaps rate and filter settings. QueueSize only applies at New.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 1
	}
	burst := int(cfg.RatePerSec)
	if burst < 1 {
		burst = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	s.cfg = cfg
}

// SetGrant records the startup permission answer.
func (s *Service) SetGrant(g Grant) {
	s.mu.Lock()
	s.grant = g
	s.mu.Unlock()
}

func (s *Service) Grant() Grant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grant
}

// Notify enqueues text without blocking.
func (s *Service) Notify(text string) error {
	s.mu.Lock()
	cfg, grant := s.cfg, s.grant
	s.mu.Unlock()
	if !cfg.Enabled || s.sender == nil {
		return ErrDisabled
	}
	if !grant.Granted || !grant.Alert {
		return ErrNotPermitted
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if !s.dedupAllow(text, cfg.DedupWindow, time.Now()) {
		return nil
	}
	select {
	case s.queue <- message{text: text}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) dedupAllow(text string, window time.Duration, now time.Time) bool {
	if window <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if until, ok := s.dedup[text]; ok && now.Before(until) {
		return false
	}
	s.dedup[text] = now.Add(window)
	if len(s.dedup) > 1024 {
		for k, v := range s.dedup {
			if now.After(v) {
				delete(s.dedup, k)
			}
		}
	}
	return true
}

// Run consumes task events from bus and delivers messages until ctx ends.
func (s *Service) Run(ctx context.Context, bus eventbus.Bus) error {
	var events <-chan eventbus.Event
	if bus != nil {
		ch, unsub := bus.Subscribe(128)
		defer unsub()
		events = ch
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sendLoop(ctx)
	}()
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			text, ok := s.format(ev)
			if !ok {
				continue
			}
			if err := s.Notify(text); err != nil && !errors.Is(err, ErrDisabled) && !errors.Is(err, ErrNotPermitted) {
				s.log.Warn("notification dropped", logx.Err(err))
			}
		}
	}
}

func (s *Service) sendLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-s.queue:
			s.send(ctx, m)
		}
	}
}

func (s *Service) send(ctx context.Context, m message) {
	s.mu.Lock()
	lim, grant := s.limiter, s.grant
	s.mu.Unlock()
	if err := lim.Wait(ctx); err != nil {
		return
	}
	cctx, cancel := context.WithTimeout(ctx, sendTimeout)
	err := s.sender.Send(cctx, m.text, !grant.Sound)
	cancel()

	item := HistoryItem{At: time.Now(), Text: m.text}
	if err != nil {
		item.Err = err.Error()
		s.log.Warn("notification send failed", logx.Err(err))
	}
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > 50 {
		s.history = s.history[len(s.history)-50:]
	}
	s.hmu.Unlock()
}

func (s *Service) History() []HistoryItem {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]HistoryItem, len(s.history))
	copy(out, s.history)
	return out
}

// format renders outcome events; other events are ignored. It also keeps
// the per-task failure count used for the badge.
func (s *Service) format(ev eventbus.Event) (string, bool) {
	te, ok := ev.Data.(eventbus.TaskEvent)
	if !ok {
		return "", false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var b strings.Builder
	switch ev.Type {
	case eventbus.TaskCompleted:
		s.failures[te.ID] = 0
		if !s.cfg.NotifyCompleted {
			return "", false
		}
		fmt.Fprintf(&b, "task %s completed in %s", te.ID, te.Duration.Round(time.Millisecond))
		return b.String(), true
	case eventbus.TaskFailed:
		s.failures[te.ID]++
		fmt.Fprintf(&b, "task %s failed after %s", te.ID, te.Duration.Round(time.Millisecond))
	case eventbus.TaskExpired:
		s.failures[te.ID]++
		fmt.Fprintf(&b, "task %s expired at deadline %s", te.ID, te.Deadline.Format(time.RFC3339))
	default:
		return "", false
	}
	if te.Error != "" {
		fmt.Fprintf(&b, ": %s", te.Error)
	}
	if s.grant.Badge {
		fmt.Fprintf(&b, " [%d]", s.failures[te.ID])
	}
	return b.String(), true
}
