package amqp10

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/Azure/go-amqp"
)

// amqpConditionError adapts *amqp.Error to contracts.AMQPCondition so the
// caller-facing error mapper (contracts.MapAMQPError) never imports go-amqp
// directly.
type amqpConditionError struct {
	cause *amqp.Error
}

func (e *amqpConditionError) Condition() string {
	return string(e.cause.Condition)
}

func (e *amqpConditionError) Description() string {
	return e.cause.Description
}

func (e *amqpConditionError) Error() string {
	return e.cause.Error()
}

func (e *amqpConditionError) Unwrap() error {
	return e.cause
}

func wrapAMQPError(err error) error {
	if err == nil {
		return nil
	}
	var linkErr *amqp.LinkError
	if errors.As(err, &linkErr) && linkErr.RemoteErr != nil {
		return &amqpConditionError{cause: linkErr.RemoteErr}
	}
	var condErr *amqp.Error
	if errors.As(err, &condErr) {
		return &amqpConditionError{cause: condErr}
	}
	return err
}

// NewDialer returns a Dialer that opens connections via github.com/Azure/go-amqp,
// the library grounding the transport contracts declared in transport.go.
func NewDialer() Dialer {
	return func(ctx context.Context, amqpURL string) (Client, error) {
		conn, err := amqp.Dial(ctx, amqpURL, nil)
		if err != nil {
			return nil, wrapAMQPError(err)
		}
		return &goamqpClient{conn: conn}, nil
	}
}

type goamqpClient struct {
	conn *amqp.Conn
}

func (c *goamqpClient) NewSession(ctx context.Context) (Session, error) {
	sess, err := c.conn.NewSession(ctx, nil)
	if err != nil {
		return nil, wrapAMQPError(err)
	}
	return &goamqpSession{sess: sess}, nil
}

func (c *goamqpClient) Close(ctx context.Context) error {
	return wrapAMQPError(c.conn.Close())
}

type goamqpSession struct {
	sess *amqp.Session
}

func (s *goamqpSession) NewSender(ctx context.Context, address string, policy SenderPolicy) (SenderLink, error) {
	opts := &amqp.SenderOptions{Name: policy.Name}
	sender, err := s.sess.NewSender(ctx, address, opts)
	if err != nil {
		return nil, wrapAMQPError(err)
	}
	return &goamqpSender{sender: sender, state: LinkStateAttached}, nil
}

func (s *goamqpSession) NewReceiver(ctx context.Context, address string, policy ReceiverPolicy) (ReceiverLink, error) {
	rsm := amqp.ReceiverSettleModeFirst
	if policy.SettleMode == SettleModeSettleOnDisposition {
		rsm = amqp.ReceiverSettleModeSecond
	}
	opts := &amqp.ReceiverOptions{
		Name:           policy.Name,
		SettlementMode: &rsm,
		// Credit: -1 puts the receiver in manual-credit mode; AddCredits
		// below is the only caller of IssueCredit.
		Credit: -1,
	}
	receiver, err := s.sess.NewReceiver(ctx, address, opts)
	if err != nil {
		return nil, wrapAMQPError(err)
	}
	r := &goamqpReceiver{receiver: receiver, state: LinkStateAttached, logger: slog.Default()}
	r.start()
	return r, nil
}

func (s *goamqpSession) Close(ctx context.Context) error {
	return wrapAMQPError(s.sess.Close(ctx))
}

type goamqpSender struct {
	mu         sync.Mutex
	sender     *amqp.Sender
	state      LinkState
	onAttached []func()
	onDetached []func(error)
}

func (s *goamqpSender) Send(ctx context.Context, msg WireMessage) (DispositionCode, error) {
	amqpMsg := &amqp.Message{
		Properties: &amqp.MessageProperties{
			MessageID:     msg.MessageID,
			To:            &msg.To,
			Subject:       &msg.Subject,
			ReplyTo:       &msg.ReplyTo,
			CorrelationID: msg.CorrelationID,
			ContentType:   &msg.ContentType,
			GroupID:       &msg.GroupID,
			ReplyToGroupID: &msg.ReplyToGroupID,
		},
		ApplicationProperties: msg.ApplicationProperties,
	}
	if msg.Value != nil {
		amqpMsg.Value = msg.Value
	} else {
		amqpMsg.Data = [][]byte{msg.Body}
	}
	if msg.TimeToLive > 0 {
		amqpMsg.Header = &amqp.MessageHeader{TTL: msg.TimeToLive}
	}
	if len(msg.Annotations) > 0 {
		annotations := make(amqp.Annotations, len(msg.Annotations))
		for k, v := range msg.Annotations {
			annotations[k] = v
		}
		amqpMsg.Annotations = annotations
	}

	err := s.sender.Send(ctx, amqpMsg, nil)
	if err != nil {
		var linkErr *amqp.LinkError
		if errors.As(err, &linkErr) {
			s.markDetached(err)
			return DispositionReleased, wrapAMQPError(err)
		}
		return DispositionReleased, wrapAMQPError(err)
	}
	return DispositionAccepted, nil
}

func (s *goamqpSender) Attached() bool { return s.State() == LinkStateAttached }

func (s *goamqpSender) State() LinkState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *goamqpSender) OnAttached(fn func()) {
	s.mu.Lock()
	s.onAttached = append(s.onAttached, fn)
	s.mu.Unlock()
}

func (s *goamqpSender) OnDetached(fn func(error)) {
	s.mu.Lock()
	s.onDetached = append(s.onDetached, fn)
	s.mu.Unlock()
}

func (s *goamqpSender) markDetached(err error) {
	s.mu.Lock()
	s.state = LinkStateDetached
	cbs := append([]func(error){}, s.onDetached...)
	s.mu.Unlock()
	for _, cb := range cbs {
		cb(err)
	}
}

func (s *goamqpSender) Close(ctx context.Context) error {
	return wrapAMQPError(s.sender.Close(ctx))
}

type goamqpReceiver struct {
	mu         sync.Mutex
	receiver   *amqp.Receiver
	state      LinkState
	credit     uint32
	onMessage  []func(InboundWireMessage)
	onAttached []func()
	onDetached []func(error)
	logger     *slog.Logger
	stop       chan struct{}
}

func (r *goamqpReceiver) start() {
	r.stop = make(chan struct{})
	for _, cb := range r.snapshotAttached() {
		cb()
	}
	go r.loop()
}

func (r *goamqpReceiver) snapshotAttached() []func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]func(){}, r.onAttached...)
}

func (r *goamqpReceiver) loop() {
	for {
		select {
		case <-r.stop:
			return
		default:
		}

		msg, err := r.receiver.Receive(context.Background(), nil)
		if err != nil {
			r.markDetached(err)
			return
		}

		r.mu.Lock()
		if r.credit > 0 {
			r.credit--
		}
		handlers := append([]func(InboundWireMessage){}, r.onMessage...)
		r.mu.Unlock()

		wire := translateInbound(msg)
		for _, h := range handlers {
			h(wire)
		}
	}
}

func translateInbound(msg *amqp.Message) InboundWireMessage {
	var body []byte
	if len(msg.Data) > 0 {
		body = msg.Data[0]
	}
	w := InboundWireMessage{
		Body:                  body,
		Value:                 msg.Value,
		DeliveryTag:           msg.DeliveryTag,
		ApplicationProperties: msg.ApplicationProperties,
	}
	if len(msg.Annotations) > 0 {
		annotations := make(map[string]any, len(msg.Annotations))
		for k, v := range msg.Annotations {
			if key, ok := k.(string); ok {
				annotations[key] = v
			}
		}
		w.Annotations = annotations
	}
	if msg.Properties != nil {
		w.MessageID = toStringID(msg.Properties.MessageID)
		if msg.Properties.To != nil {
			w.To = *msg.Properties.To
		}
		if msg.Properties.Subject != nil {
			w.Subject = *msg.Properties.Subject
		}
		if msg.Properties.ReplyTo != nil {
			w.ReplyTo = *msg.Properties.ReplyTo
		}
		w.CorrelationID = toStringID(msg.Properties.CorrelationID)
		if msg.Properties.ContentType != nil {
			w.ContentType = *msg.Properties.ContentType
		}
		if msg.Properties.GroupID != nil {
			w.GroupID = *msg.Properties.GroupID
		}
		if msg.Properties.ReplyToGroupID != nil {
			w.ReplyToGroupID = *msg.Properties.ReplyToGroupID
		}
		w.AbsoluteExpiryTime = msg.Properties.AbsoluteExpiryTime
	}
	if msg.Header != nil {
		w.DeliveryCount = msg.Header.DeliveryCount
		w.TimeToLive = msg.Header.TTL
	}
	return w
}

func toStringID(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func (r *goamqpReceiver) markDetached(err error) {
	r.mu.Lock()
	r.state = LinkStateDetached
	cbs := append([]func(error){}, r.onDetached...)
	r.mu.Unlock()
	for _, cb := range cbs {
		cb(wrapAMQPError(err))
	}
}

func (r *goamqpReceiver) Attached() bool { return r.State() == LinkStateAttached }

func (r *goamqpReceiver) State() LinkState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *goamqpReceiver) LinkCredit() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.credit
}

func (r *goamqpReceiver) AddCredits(n uint32) error {
	if err := r.receiver.IssueCredit(n); err != nil {
		return wrapAMQPError(err)
	}
	r.mu.Lock()
	r.credit += n
	r.mu.Unlock()
	return nil
}

func (r *goamqpReceiver) OnMessage(fn func(InboundWireMessage)) {
	r.mu.Lock()
	r.onMessage = append(r.onMessage, fn)
	r.mu.Unlock()
}

func (r *goamqpReceiver) OnAttached(fn func()) {
	r.mu.Lock()
	r.onAttached = append(r.onAttached, fn)
	r.mu.Unlock()
}

func (r *goamqpReceiver) OnDetached(fn func(error)) {
	r.mu.Lock()
	r.onDetached = append(r.onDetached, fn)
	r.mu.Unlock()
}

func (r *goamqpReceiver) Accept(ctx context.Context, deliveryTag []byte) error {
	return wrapAMQPError(r.receiver.AcceptMessage(ctx, &amqp.Message{DeliveryTag: deliveryTag}))
}

func (r *goamqpReceiver) Reject(ctx context.Context, deliveryTag []byte, condition, description string) error {
	amqpErr := &amqp.Error{Condition: amqp.ErrCond(condition), Description: description}
	return wrapAMQPError(r.receiver.RejectMessage(ctx, &amqp.Message{DeliveryTag: deliveryTag}, amqpErr))
}

func (r *goamqpReceiver) Modify(ctx context.Context, deliveryTag []byte, deliveryFailed, undeliverableHere bool) error {
	opts := &amqp.ModifyMessageOptions{
		DeliveryFailed:    deliveryFailed,
		UndeliverableHere: undeliverableHere,
	}
	return wrapAMQPError(r.receiver.ModifyMessage(ctx, &amqp.Message{DeliveryTag: deliveryTag}, opts))
}

func (r *goamqpReceiver) Release(ctx context.Context, deliveryTag []byte) error {
	return wrapAMQPError(r.receiver.ReleaseMessage(ctx, &amqp.Message{DeliveryTag: deliveryTag}))
}

func (r *goamqpReceiver) Close(ctx context.Context) error {
	close(r.stop)
	return wrapAMQPError(r.receiver.Close(ctx))
}
