package amqp10

import (
	"context"
	"sync"
	"testing"

	"github.com/glimte/sbuscore/contracts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReceiverLink struct {
	mu          sync.Mutex
	state       LinkState
	credit      uint32
	added       []uint32
	onAttached  []func()
	onDetached  []func(error)
	addErr      error
	accepted    [][]byte
}

func (f *fakeReceiverLink) Attached() bool { return f.State() == LinkStateAttached }

func (f *fakeReceiverLink) State() LinkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeReceiverLink) LinkCredit() uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.credit
}

func (f *fakeReceiverLink) AddCredits(n uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return f.addErr
	}
	f.added = append(f.added, n)
	f.credit += n
	return nil
}

func (f *fakeReceiverLink) OnMessage(func(InboundWireMessage)) {}

func (f *fakeReceiverLink) OnAttached(fn func()) {
	f.mu.Lock()
	f.onAttached = append(f.onAttached, fn)
	f.mu.Unlock()
}

func (f *fakeReceiverLink) OnDetached(fn func(error)) {
	f.mu.Lock()
	f.onDetached = append(f.onDetached, fn)
	f.mu.Unlock()
}

func (f *fakeReceiverLink) Accept(ctx context.Context, tag []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accepted = append(f.accepted, tag)
	return nil
}

func (f *fakeReceiverLink) Reject(ctx context.Context, tag []byte, condition, description string) error {
	return nil
}

func (f *fakeReceiverLink) Modify(ctx context.Context, tag []byte, deliveryFailed, undeliverableHere bool) error {
	return nil
}

func (f *fakeReceiverLink) Release(ctx context.Context, tag []byte) error { return nil }

func (f *fakeReceiverLink) Close(ctx context.Context) error { return nil }

func (f *fakeReceiverLink) attach() {
	f.mu.Lock()
	f.state = LinkStateAttached
	cbs := append([]func(){}, f.onAttached...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func TestCreditManager_IssuesInitialCreditOnceOnAttach(t *testing.T) {
	link := &fakeReceiverLink{}
	cm := NewCreditManager(ModePeekLock, 10, 3)
	cm.SetReceiver(link)

	link.attach()
	link.attach()

	assert.Equal(t, []uint32{10}, link.added)
}

func TestCreditManager_IssuesInitialCreditImmediatelyWhenLinkAlreadyAttached(t *testing.T) {
	link := &fakeReceiverLink{state: LinkStateAttached}
	cm := NewCreditManager(ModePeekLock, 10, 3)

	cm.SetReceiver(link)

	assert.Equal(t, []uint32{10}, link.added, "a link attached before SetReceiver is called must not miss its initial credit")

	link.attach()
	assert.Equal(t, []uint32{10}, link.added, "a later attach callback must not double-issue")
}

func TestCreditManager_ScheduleThenSettleDoesNotDoubleCredit(t *testing.T) {
	link := &fakeReceiverLink{}
	link.credit = 0
	cm := NewCreditManager(ModePeekLock, 10, 5)
	cm.SetReceiver(link)
	link.state = LinkStateAttached

	cm.ScheduleMessageSettle("tok-1")
	require.Equal(t, 1, cm.PendingCount())
	assert.Equal(t, []uint32{1}, link.added)

	cm.SettleMessage("tok-1")
	assert.Equal(t, 0, cm.PendingCount())
	assert.Equal(t, []uint32{1}, link.added, "settling a scheduled token must not add credit twice")
}

func TestCreditManager_ImmediateSettleCountsCredit(t *testing.T) {
	link := &fakeReceiverLink{}
	link.credit = 0
	cm := NewCreditManager(ModePeekLock, 10, 5)
	cm.SetReceiver(link)
	link.state = LinkStateAttached

	cm.SettleMessage("tok-1")

	assert.Equal(t, []uint32{1}, link.added)
}

func TestCreditManager_RefreshCredits_BelowThresholdOnly(t *testing.T) {
	link := &fakeReceiverLink{}
	link.credit = 10
	cm := NewCreditManager(ModePeekLock, 10, 5)
	cm.SetReceiver(link)
	link.state = LinkStateAttached

	cm.SettleMessage("tok-1")

	assert.Empty(t, link.added, "credit above threshold must not trigger a refresh")
}

func TestCreditManager_RefreshCredits_NoLinkBoundFails(t *testing.T) {
	cm := NewCreditManager(ModePeekLock, 10, 5)
	err := cm.RefreshCredits()
	require.Error(t, err)
	code, ok := contracts.CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, contracts.CodeLinkNotFound, code)
}

func TestCreditManager_RefreshCredits_DetachedLinkIsSilent(t *testing.T) {
	link := &fakeReceiverLink{state: LinkStateDetached}
	cm := NewCreditManager(ModePeekLock, 10, 5)
	cm.SetReceiver(link)

	cm.SettleMessage("tok-1")

	assert.NoError(t, cm.RefreshCredits())
	assert.Empty(t, link.added)
}
