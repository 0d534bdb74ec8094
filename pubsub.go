package redis

import (
	"context"
	"time"

	"github.com/outsidewall/goredis/internal/xlog"
)

// QueueBehaviour selects what happens to a PubSubConn's queue once it
// fills while the subscriber is still processing the previous message.
type QueueBehaviour int

const (
	// QueueBehaviourDrop discards every queued message, together with
	// the one that overflowed the queue, and puts a synthetic Overflow
	// event in their place.
	QueueBehaviourDrop QueueBehaviour = iota
	// QueueBehaviourExit tears down the connection: a stalled
	// subscriber is treated as a fatal condition rather than silently
	// losing messages.
	QueueBehaviourExit
)

const defaultMaxQueueSize = 128

// PubSubOptions configures a PubSubConn.
type PubSubOptions struct {
	Endpoint       Endpoint
	Password       string
	ReconnectSleep time.Duration
	ConnectTimeout time.Duration

	// MaxQueueSize bounds how many undelivered messages queue up while
	// the controller has not yet acknowledged the previous one, before
	// QueueBehaviour applies. Zero defaults to 128.
	MaxQueueSize int
	// QueueBehaviour selects the overflow policy.
	QueueBehaviour QueueBehaviour

	// Metrics, when set, receives a reconnect counter. Nil disables
	// instrumentation entirely.
	Metrics *Metrics
}

func (o *PubSubOptions) setDefaults() {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReconnectSleep == 0 {
		o.ReconnectSleep = defaultReconnectSleep
	}
	if o.MaxQueueSize == 0 {
		o.MaxQueueSize = defaultMaxQueueSize
	}
}

// EventKind classifies a delivered Event.
type EventKind int

const (
	EventMessage EventKind = iota
	EventPMessage
	EventSubscribed
	EventUnsubscribed
	EventPSubscribed
	EventPUnsubscribed
	// EventOverflow is synthetic: it never comes from the wire. It
	// signals that QueueBehaviourDrop discarded the pending queue at
	// least once since the last Overflow event was delivered.
	EventOverflow
)

// Event is one pub/sub notification. Pattern is only set for PMessage,
// PSubscribed, and PUnsubscribed.
type Event struct {
	Kind    EventKind
	Channel string
	Pattern string
	Payload []byte
}

type subscribeRequest struct {
	pattern bool
	add     bool // true = SUBSCRIBE/PSUBSCRIBE, false = UNSUBSCRIBE/PUNSUBSCRIBE
	names   []string
	errCh   chan error
}

// controlRequest reassigns the controlling subscriber: the channel that
// Events are delivered to from now on.
type controlRequest struct {
	subscriber chan Event
	errCh      chan error
}

// PubSubConn is a dedicated subscription connection, separate from
// Client because the pub/sub wire protocol reuses the request channel for
// asynchronous push messages instead of one reply per request.
//
// Events are delivered active-once to a single controlling subscriber:
// PubSubConn waits for the previous Event to be acknowledged via Ack
// before pushing the next one, so a slow consumer applies back-pressure
// instead of the actor silently racing ahead of it. Control reassigns the
// controlling subscriber and re-arms this handshake.
type PubSubConn struct {
	opts PubSubOptions
	log  xlog.Logger

	subCh     chan subscribeRequest
	ackCh     chan struct{}
	controlCh chan controlRequest
	closeCh   chan chan struct{}
	closed    chan struct{}

	events chan Event
}

// NewPubSubConn starts the pub/sub actor and its managed connection.
// Events is the channel callers range over to receive deliveries. When
// the actor stops (Close, or a lost connection under NoReconnect) it
// closes its current delivery channel: this one, unless Control has
// reassigned delivery, in which case the channel passed to Control is
// closed and this one stays open.
func NewPubSubConn(opts PubSubOptions) (*PubSubConn, chan Event, error) {
	opts.setDefaults()

	p := &PubSubConn{
		opts:      opts,
		log:       xlog.Named("redis.pubsub"),
		subCh:     make(chan subscribeRequest),
		ackCh:     make(chan struct{}, 1),
		controlCh: make(chan controlRequest),
		closeCh:   make(chan chan struct{}),
		closed:    make(chan struct{}),
		events:    make(chan Event, 1),
	}

	startup := make(chan error, 1)
	go p.run(startup)

	if opts.ReconnectSleep == NoReconnect {
		if err := <-startup; err != nil {
			return nil, nil, &ConnectionError{Err: err}
		}
	}
	return p, p.events, nil
}

// Subscribe adds channel subscriptions, replayed automatically on every
// reconnect.
func (p *PubSubConn) Subscribe(ctx context.Context, channels ...string) error {
	return p.control(ctx, subscribeRequest{add: true, names: channels})
}

// PSubscribe adds pattern subscriptions.
func (p *PubSubConn) PSubscribe(ctx context.Context, patterns ...string) error {
	return p.control(ctx, subscribeRequest{pattern: true, add: true, names: patterns})
}

// Unsubscribe removes channel subscriptions.
func (p *PubSubConn) Unsubscribe(ctx context.Context, channels ...string) error {
	return p.control(ctx, subscribeRequest{names: channels})
}

// PUnsubscribe removes pattern subscriptions.
func (p *PubSubConn) PUnsubscribe(ctx context.Context, patterns ...string) error {
	return p.control(ctx, subscribeRequest{pattern: true, names: patterns})
}

func (p *PubSubConn) control(ctx context.Context, req subscribeRequest) error {
	req.errCh = make(chan error, 1)
	select {
	case p.subCh <- req:
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack acknowledges the most recently delivered Event, allowing the next
// queued one (if any) to be sent on the events channel. Callers that
// don't need back-pressure can call Ack immediately after receiving an
// Event; callers applying their own flow control delay it.
//
// The very first Ack after NewPubSubConn or Control carries no Event to
// acknowledge; it exists solely to signal that the controlling
// subscriber is ready, arming delivery of whatever has queued since.
func (p *PubSubConn) Ack() {
	select {
	case p.ackCh <- struct{}{}:
	default:
	}
}

// Control atomically reassigns the controlling subscriber to subscriber
// and re-arms the active-once state: delivery reverts to need_ack, so
// the new controller must call Ack once before anything is sent to it,
// exactly as a freshly constructed PubSubConn would. Messages already
// queued from the previous controller's back-pressure are kept and
// delivered to the new one in order.
func (p *PubSubConn) Control(ctx context.Context, subscriber chan Event) error {
	req := controlRequest{subscriber: subscriber, errCh: make(chan error, 1)}
	select {
	case p.controlCh <- req:
	case <-p.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case err := <-req.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the actor goroutine and closes the current controlling
// subscriber's channel (the events channel unless Control reassigned it).
func (p *PubSubConn) Close() error {
	done := make(chan struct{})
	select {
	case p.closeCh <- done:
		<-done
	case <-p.closed:
	}
	return nil
}

// run is the pub/sub actor: single goroutine, no locks, same shape as
// Client.run but driving a classify/deliver loop instead of FIFO request
// matching.
func (p *PubSubConn) run(startup chan<- error) {
	defer close(p.closed)

	// out is the current controlling subscriber's channel: the delivery
	// target Control reassigns. It starts as the channel NewPubSubConn
	// handed back to the caller.
	out := p.events
	defer func() { close(out) }()

	channels := map[string]struct{}{}
	patterns := map[string]struct{}{}

	noReconnect := p.opts.ReconnectSleep == NoReconnect
	var conn *connection
	var reconnectTimer *time.Timer

	var pending []Event
	// need_ack: the controller must Ack once, even with nothing pending,
	// before the first Event is ever delivered. Re-armed on every Control.
	awaitingAck := true

	tryConnect := func() error {
		cn, err := p.connect(channels, patterns)
		if err != nil {
			return err
		}
		conn = cn
		p.opts.Metrics.reconnected()
		return nil
	}

	err := tryConnect()
	switch {
	case err != nil && noReconnect:
		startup <- err
		return
	case err != nil:
		reconnectTimer = time.NewTimer(p.opts.ReconnectSleep)
		startup <- nil
	default:
		startup <- nil
	}

	enqueue := func(ev Event) {
		if awaitingAck || len(pending) > 0 {
			if len(pending) >= p.opts.MaxQueueSize {
				switch p.opts.QueueBehaviour {
				case QueueBehaviourExit:
					p.log.Warnf("redis: pubsub queue overflow, closing connection")
					if conn != nil {
						conn.close()
						conn = nil
					}
				default:
					// discard the whole queue, ev included, and leave one
					// Overflow notice in its place
					pending = append(pending[:0], Event{Kind: EventOverflow})
				}
				return
			}
			pending = append(pending, ev)
			return
		}
		awaitingAck = true
		out <- ev
	}

	for {
		var repliesCh chan []Reply
		var errCh chan error
		if conn != nil {
			repliesCh = conn.repliesCh
			errCh = conn.errCh
		}
		var timerC <-chan time.Time
		if reconnectTimer != nil {
			timerC = reconnectTimer.C
		}

		select {
		case req := <-p.subCh:
			if conn == nil {
				req.errCh <- ErrNoConnection
				break
			}
			names := req.names
			set := channels
			cmdName := "SUBSCRIBE"
			if req.pattern {
				set = patterns
				cmdName = "PSUBSCRIBE"
			}
			if !req.add {
				if req.pattern {
					cmdName = "PUNSUBSCRIBE"
				} else {
					cmdName = "UNSUBSCRIBE"
				}
			}
			args := make([]CommandArg, len(names))
			for i, n := range names {
				args[i] = Str(n)
			}
			b, err := Encode(NewCommand(cmdName, args...))
			if err != nil {
				req.errCh <- err
				break
			}
			for _, n := range names {
				if req.add {
					set[n] = struct{}{}
				} else {
					delete(set, n)
				}
			}
			conn.write(b)
			req.errCh <- nil

		case replies := <-repliesCh:
			for _, r := range replies {
				if ev, ok := classify(r); ok {
					enqueue(ev)
				}
			}

		case <-p.ackCh:
			awaitingAck = false
			if len(pending) > 0 {
				ev := pending[0]
				pending = pending[1:]
				awaitingAck = true
				out <- ev
			}

		case req := <-p.controlCh:
			out = req.subscriber
			awaitingAck = true
			req.errCh <- nil

		case connErr := <-errCh:
			p.log.Warnf("redis: pubsub connection lost: %v", connErr)
			conn.close()
			conn = nil
			if noReconnect {
				return
			}
			reconnectTimer = time.NewTimer(p.opts.ReconnectSleep)

		case <-timerC:
			reconnectTimer = nil
			if err := tryConnect(); err != nil {
				p.log.Debugf("redis: pubsub reconnect failed: %v", err)
				reconnectTimer = time.NewTimer(p.opts.ReconnectSleep)
			}

		case done := <-p.closeCh:
			if conn != nil {
				conn.close()
			}
			close(done)
			return
		}
	}
}

// connect dials the endpoint, authenticates if configured, and replays
// every existing channel/pattern subscription so a reconnect is
// transparent to the caller's subscription set.
func (p *PubSubConn) connect(channels, patterns map[string]struct{}) (*connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.ConnectTimeout)
	defer cancel()

	nc, err := p.opts.Endpoint.Dial(ctx)
	if err != nil {
		return nil, err
	}
	cn := newConnection(nc)

	if p.opts.Password != "" {
		b, err := Encode(NewCommand("AUTH", Str(p.opts.Password)))
		if err != nil {
			cn.close()
			return nil, err
		}
		cn.write(b)
		select {
		case replies := <-cn.repliesCh:
			if !isOK(replies[0]) {
				cn.close()
				if err := replyToError(replies[0]); err != nil {
					return nil, err
				}
				return nil, ErrProtocol
			}
		case err := <-cn.errCh:
			cn.close()
			return nil, err
		case <-time.After(p.opts.ConnectTimeout):
			cn.close()
			return nil, context.DeadlineExceeded
		}
	}

	if err := resubscribe(cn, "SUBSCRIBE", channels, p.opts.ConnectTimeout); err != nil {
		cn.close()
		return nil, err
	}
	if err := resubscribe(cn, "PSUBSCRIBE", patterns, p.opts.ConnectTimeout); err != nil {
		cn.close()
		return nil, err
	}
	return cn, nil
}

// resubscribe reissues SUBSCRIBE or PSUBSCRIBE for a whole name set,
// draining one confirmation reply per name before returning. It is a
// no-op for an empty set.
func resubscribe(cn *connection, cmdName string, names map[string]struct{}, timeout time.Duration) error {
	if len(names) == 0 {
		return nil
	}
	args := make([]CommandArg, 0, len(names))
	for n := range names {
		args = append(args, Str(n))
	}
	b, err := Encode(NewCommand(cmdName, args...))
	if err != nil {
		return err
	}
	cn.write(b)

	remaining := len(names)
	for remaining > 0 {
		select {
		case replies := <-cn.repliesCh:
			remaining -= len(replies)
		case err := <-cn.errCh:
			return err
		case <-time.After(timeout):
			return context.DeadlineExceeded
		}
	}
	return nil
}

// classify turns one decoded pub/sub push reply into an Event. Anything
// that doesn't match the expected three-element-array shape is ignored
// rather than surfaced as a protocol error, since a pub/sub connection
// sees nothing else once subscribed.
func classify(r Reply) (Event, bool) {
	arr, ok := r.(Array)
	if !ok || arr.Null || len(arr.Items) < 3 {
		return Event{}, false
	}
	kindBulk, ok := arr.Items[0].(Bulk)
	if !ok || kindBulk.Null {
		return Event{}, false
	}

	switch string(kindBulk.Bytes) {
	case "subscribe":
		return Event{Kind: EventSubscribed, Channel: bulkString(arr.Items[1])}, true
	case "unsubscribe":
		return Event{Kind: EventUnsubscribed, Channel: bulkString(arr.Items[1])}, true
	case "psubscribe":
		return Event{Kind: EventPSubscribed, Pattern: bulkString(arr.Items[1])}, true
	case "punsubscribe":
		return Event{Kind: EventPUnsubscribed, Pattern: bulkString(arr.Items[1])}, true
	case "message":
		return Event{Kind: EventMessage, Channel: bulkString(arr.Items[1]), Payload: bulkBytes(arr.Items[2])}, true
	case "pmessage":
		if len(arr.Items) < 4 {
			return Event{}, false
		}
		return Event{
			Kind:    EventPMessage,
			Pattern: bulkString(arr.Items[1]),
			Channel: bulkString(arr.Items[2]),
			Payload: bulkBytes(arr.Items[3]),
		}, true
	default:
		return Event{}, false
	}
}

func bulkString(r Reply) string {
	if b, ok := r.(Bulk); ok && !b.Null {
		return string(b.Bytes)
	}
	return ""
}

func bulkBytes(r Reply) []byte {
	if b, ok := r.(Bulk); ok && !b.Null {
		return b.Bytes
	}
	return nil
}
