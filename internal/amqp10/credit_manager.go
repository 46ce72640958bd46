package amqp10

import (
	"sync"

	"github.com/glimte/sbuscore/contracts"
)

// Mode selects the credit-manager policy derived for a receiver link.
type Mode int

const (
	// ModePeekLock issues an initial credit quantum once and replenishes
	// manually as settlements complete.
	ModePeekLock Mode = iota
	// ModeReceiveAndDelete is a pass-through policy: every delivery is
	// its own settlement, so credit is replenished immediately per
	// delivery via the same SettleMessage path.
	ModeReceiveAndDelete
)

// CeilDiv returns ceil(n/d) for positive uint32 operands, used to derive
// the credit-refresh threshold from maxConcurrentCalls (spec.md section 3).
func CeilDiv(n, d uint32) uint32 {
	if d == 0 {
		return 0
	}
	return (n + d - 1) / d
}

// CreditManager converts "message delivered"/"message settled" events into
// decisions to addCredits on a receiver link, bounding the number of
// unsettled messages at the application. Grounded on the
// mutex-guarded-counter idiom in internal/rabbitmq/consumer.go.
type CreditManager struct {
	mode          Mode
	initialCredit uint32
	threshold     uint32

	mu                  sync.Mutex
	link                ReceiverLink
	pending             map[string]struct{}
	additionalCredits   uint32
	initialCreditIssued bool
}

// NewCreditManager constructs a CreditManager. initialCredit is the link's
// initial credit quantum (== maxConcurrentCalls for peek-lock); threshold
// is the refresh threshold below which addCredits is invoked again.
func NewCreditManager(mode Mode, initialCredit, threshold uint32) *CreditManager {
	return &CreditManager{
		mode:          mode,
		initialCredit: initialCredit,
		threshold:     threshold,
		pending:       make(map[string]struct{}),
	}
}

// SetReceiver binds the manager to a freshly created receiver link and
// arranges for the initial credit quantum to be issued exactly once. A
// transport may attach the link before the caller has a chance to
// register listeners (the real adapter's NewReceiver returns an
// already-attached link), so this checks the current state in addition
// to listening for a future attach.
func (c *CreditManager) SetReceiver(link ReceiverLink) {
	c.mu.Lock()
	c.link = link
	c.mu.Unlock()

	link.OnAttached(func() { c.issueInitialCredit(link) })

	if link.Attached() {
		c.issueInitialCredit(link)
	}
}

func (c *CreditManager) issueInitialCredit(link ReceiverLink) {
	c.mu.Lock()
	if c.initialCreditIssued {
		c.mu.Unlock()
		return
	}
	c.initialCreditIssued = true
	quantum := c.initialCredit
	c.mu.Unlock()
	if quantum > 0 {
		_ = link.AddCredits(quantum)
	}
}

// ScheduleMessageSettle registers token as pending a delayed settlement.
// Inserting the same token twice is a no-op (the credit is only ever
// counted once per message).
func (c *CreditManager) ScheduleMessageSettle(token string) {
	c.mu.Lock()
	if _, exists := c.pending[token]; !exists {
		c.pending[token] = struct{}{}
		c.additionalCredits++
	}
	c.mu.Unlock()
	_ = c.RefreshCredits()
}

// SettleMessage records that token's disposition has completed. If token
// was scheduled via ScheduleMessageSettle, its credit was already counted
// and this call only clears the pending entry; otherwise (immediate
// settlement) it counts the credit now.
func (c *CreditManager) SettleMessage(token string) {
	c.mu.Lock()
	if _, exists := c.pending[token]; exists {
		delete(c.pending, token)
		c.mu.Unlock()
		return
	}
	c.additionalCredits++
	c.mu.Unlock()
	_ = c.RefreshCredits()
}

// RefreshCredits issues any accumulated additionalCredits to the bound
// link, subject to the threshold, per spec.md section 4.2.
func (c *CreditManager) RefreshCredits() error {
	c.mu.Lock()
	link := c.link
	if link == nil {
		c.mu.Unlock()
		return contracts.New(contracts.CodeLinkNotFound, "refreshCredits", nil)
	}
	if link.State() != LinkStateAttached {
		c.mu.Unlock()
		return nil
	}
	if c.additionalCredits == 0 || link.LinkCredit() >= c.threshold {
		c.mu.Unlock()
		return nil
	}
	add := c.additionalCredits
	c.additionalCredits = 0
	c.mu.Unlock()

	return link.AddCredits(add)
}

// PendingCount reports how many tokens currently await a delayed
// settlement; exposed for tests and for Receiver.PendingSettleCount.
func (c *CreditManager) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
