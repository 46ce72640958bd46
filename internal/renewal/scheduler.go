// Package renewal schedules peek-lock renewal timers: at most one timer per
// lock token, stopping once the message settles or the auto-renew deadline
// would be exceeded by the next renewal. Grounded on the
// mutex-guarded-map-of-timers idiom in internal/reliability/ttl_retry_scheduler.go,
// generalized from a RabbitMQ delay-queue scheduler to an in-process timer
// scheduler.
package renewal

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Message is the subset of contracts.BrokeredMessage the scheduler needs.
type Message interface {
	LockToken() string
	IsSettled() bool
	RenewLock(ctx context.Context) error
}

type entry struct {
	message      Message
	timer        *time.Timer
	deadlineUnix int64
}

// Scheduler holds at most one renewal timer per lock token.
type Scheduler struct {
	mu                 sync.Mutex
	entries            map[string]*entry
	autoRenewTimeout   time.Duration
	deliveryTimeout    time.Duration
	renewThreshold     float64
	logger             *slog.Logger
	onError            func(token string, err error)
	stopped            bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

// WithOnError registers a callback invoked when a renewal fails; the
// streaming receiver uses this to emit receiverError.
func WithOnError(fn func(token string, err error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

// New constructs a Scheduler. autoRenewTimeout == 0 disables scheduling
// entirely (Schedule then creates no entry); a negative value is
// treated as "no deadline" (renewals continue indefinitely).
func New(autoRenewTimeout, deliveryTimeout time.Duration, renewThreshold float64, opts ...Option) *Scheduler {
	s := &Scheduler{
		entries:          make(map[string]*entry),
		autoRenewTimeout: autoRenewTimeout,
		deliveryTimeout:  deliveryTimeout,
		renewThreshold:   renewThreshold,
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// nowUnixNano exists so tests can swap in a deterministic clock without
// reaching for a wall-clock mocking library the teacher does not use.
var nowUnixNano = func() int64 { return time.Now().UnixNano() }

// Schedule arranges the next renewal for msg. If msg is already settled, or
// the next renewal would land past the deadline, any existing entry for the
// token is cleared instead.
func (s *Scheduler) Schedule(msg Message) {
	token := msg.LockToken()
	if token == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped || msg.IsSettled() {
		s.clearLocked(token)
		return
	}

	timeUntilRenewal := time.Duration(float64(s.deliveryTimeout) * s.renewThreshold)

	e, exists := s.entries[token]
	var deadline int64
	if exists {
		deadline = e.deadlineUnix
	} else if s.autoRenewTimeout == 0 {
		return
	} else if s.autoRenewTimeout < 0 {
		deadline = int64(^uint64(0) >> 1)
	} else {
		deadline = nowUnixNano() + int64(s.autoRenewTimeout)
	}

	if s.autoRenewTimeout >= 0 && deadline < nowUnixNano()+int64(timeUntilRenewal) {
		s.clearLocked(token)
		return
	}

	if exists && e.timer != nil {
		e.timer.Stop()
	}

	ne := &entry{message: msg, deadlineUnix: deadline}
	s.entries[token] = ne
	ne.timer = time.AfterFunc(timeUntilRenewal, func() {
		s.fire(token)
	})
}

func (s *Scheduler) fire(token string) {
	s.mu.Lock()
	e, ok := s.entries[token]
	if !ok || s.stopped {
		s.mu.Unlock()
		return
	}
	msg := e.message
	s.mu.Unlock()

	if msg.IsSettled() {
		s.mu.Lock()
		s.clearLocked(token)
		s.mu.Unlock()
		return
	}

	if err := msg.RenewLock(context.Background()); err != nil {
		s.logger.Warn("renewal: renewLock failed", "lockToken", token, "error", err)
		if s.onError != nil {
			s.onError(token, err)
		}
		return
	}

	s.Schedule(msg)
}

// Cancel stops and removes the entry for token, if any.
func (s *Scheduler) Cancel(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked(token)
}

func (s *Scheduler) clearLocked(token string) {
	if e, ok := s.entries[token]; ok {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(s.entries, token)
	}
}

// PendingCount reports the number of tokens with a live renewal entry.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stop cancels every scheduled timer and rejects further scheduling.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for token := range s.entries {
		s.clearLocked(token)
	}
}
