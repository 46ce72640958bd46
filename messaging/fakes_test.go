package messaging

import (
	"context"
	"sync"

	"github.com/glimte/sbuscore/internal/amqp10"
)

// fakeClient/fakeSession/fakeSenderLink/fakeReceiverLink give the messaging
// package's tests a transport double, mirroring the fakes used across
// internal/amqp10's own test files.

type fakeClient struct {
	mu       sync.Mutex
	sessions []*fakeSession
	closed   bool
	failNew  error
}

func (c *fakeClient) NewSession(ctx context.Context) (amqp10.Session, error) {
	if c.failNew != nil {
		return nil, c.failNew
	}
	s := &fakeSession{}
	c.mu.Lock()
	c.sessions = append(c.sessions, s)
	c.mu.Unlock()
	return s, nil
}

func (c *fakeClient) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeSession struct {
	mu        sync.Mutex
	closed    bool
	senders   []*fakeSenderLink
	receivers []*fakeReceiverLink
	failSend  error
	failRecv  error
}

func (s *fakeSession) NewSender(ctx context.Context, address string, policy amqp10.SenderPolicy) (amqp10.SenderLink, error) {
	if s.failSend != nil {
		return nil, s.failSend
	}
	l := &fakeSenderLink{address: address, state: amqp10.LinkStateAttached}
	s.mu.Lock()
	s.senders = append(s.senders, l)
	s.mu.Unlock()
	return l, nil
}

func (s *fakeSession) NewReceiver(ctx context.Context, address string, policy amqp10.ReceiverPolicy) (amqp10.ReceiverLink, error) {
	if s.failRecv != nil {
		return nil, s.failRecv
	}
	l := &fakeReceiverLink{address: address, state: amqp10.LinkStateAttached}
	s.mu.Lock()
	s.receivers = append(s.receivers, l)
	s.mu.Unlock()
	return l, nil
}

func (s *fakeSession) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type fakeSenderLink struct {
	mu         sync.Mutex
	address    string
	state      amqp10.LinkState
	sent       []amqp10.WireMessage
	sendDisp   amqp10.DispositionCode
	sendErr    error
	sendBlock  chan struct{}
	closed     bool
	onAttached []func()
	onDetached []func(error)
}

func (f *fakeSenderLink) Send(ctx context.Context, msg amqp10.WireMessage) (amqp10.DispositionCode, error) {
	if f.sendBlock != nil {
		select {
		case <-f.sendBlock:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
	f.mu.Lock()
	f.sent = append(f.sent, msg)
	disp, err := f.sendDisp, f.sendErr
	f.mu.Unlock()
	if disp == 0 {
		disp = amqp10.DispositionAccepted
	}
	return disp, err
}

func (f *fakeSenderLink) Attached() bool { return f.State() == amqp10.LinkStateAttached }

func (f *fakeSenderLink) State() amqp10.LinkState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeSenderLink) OnAttached(fn func()) {
	f.mu.Lock()
	f.onAttached = append(f.onAttached, fn)
	f.mu.Unlock()
}

func (f *fakeSenderLink) OnDetached(fn func(error)) {
	f.mu.Lock()
	f.onDetached = append(f.onDetached, fn)
	f.mu.Unlock()
}

func (f *fakeSenderLink) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

type fakeReceiverLink struct {
	mu          sync.Mutex
	address     string
	state       amqp10.LinkState
	credit      uint32
	added       []uint32
	onMessage   func(amqp10.InboundWireMessage)
	onAttached  []func()
	onDetached  []func(error)
	accepted    [][]byte
	rejected    [][]byte
	modified    [][]byte
	closed      bool
}

func (f *fakeReceiverLink) Attached() bool { return f.State() == amqp10.LinkStateAttached }

func (f *fakeReceiverLink) State() amqp10.LinkState {
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
	f.added = append(f.added, n)
	f.credit += n
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiverLink) OnMessage(fn func(amqp10.InboundWireMessage)) {
	f.mu.Lock()
	f.onMessage = fn
	f.mu.Unlock()
}

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
	f.accepted = append(f.accepted, tag)
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiverLink) Reject(ctx context.Context, tag []byte, condition, description string) error {
	f.mu.Lock()
	f.rejected = append(f.rejected, tag)
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiverLink) Modify(ctx context.Context, tag []byte, deliveryFailed, undeliverableHere bool) error {
	f.mu.Lock()
	f.modified = append(f.modified, tag)
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiverLink) Release(ctx context.Context, tag []byte) error { return nil }

func (f *fakeReceiverLink) Close(ctx context.Context) error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeReceiverLink) deliver(w amqp10.InboundWireMessage) {
	f.mu.Lock()
	fn := f.onMessage
	f.mu.Unlock()
	if fn != nil {
		fn(w)
	}
}

func (f *fakeReceiverLink) detach(err error) {
	f.mu.Lock()
	f.state = amqp10.LinkStateDetached
	cbs := append([]func(error){}, f.onDetached...)
	f.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func fakeDialer(client amqp10.Client) amqp10.Dialer {
	return func(ctx context.Context, amqpURL string) (amqp10.Client, error) {
		return client, nil
	}
}
