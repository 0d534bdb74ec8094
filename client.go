package redis

import (
	"context"
	"time"

	"github.com/outsidewall/goredis/internal/tagging"
	"github.com/outsidewall/goredis/internal/xlog"
)

// NoReconnect is the ReconnectSleep sentinel that disables reconnection:
// the actor terminates on the first disconnect instead of looping.
const NoReconnect time.Duration = -1

// NoDatabase is the Database sentinel meaning "do not SELECT".
const NoDatabase int = -1

const defaultConnectTimeout = time.Second
const defaultReconnectSleep = 500 * time.Millisecond

// ConnectionState is the connection actor's state machine.
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateAuthenticating
	StateSelectingDb
	StateReady
	StateDisconnected
)

// Options configures a Client. There is no file-loading surface —
// configuration-file loading is an explicit Non-goal — so this struct is
// the entire configuration API.
type Options struct {
	// Endpoint selects TCP, Unix-domain, or TLS transport (C2).
	Endpoint Endpoint

	// Password, when non-empty, is sent via AUTH on every (re)connect
	// before the connection is handed to callers.
	Password string

	// Database, when >= 0, is sent via SELECT on every (re)connect.
	// NoDatabase skips SELECT entirely.
	Database int

	// ReconnectSleep is the delay before a reconnect attempt after a
	// disconnect. NoReconnect disables reconnection altogether.
	ReconnectSleep time.Duration

	// ConnectTimeout bounds the dial and, separately, the wait for each
	// AUTH/SELECT handshake reply. Zero defaults to one second.
	ConnectTimeout time.Duration

	// Metrics, when set, receives reconnect and command counters. Nil
	// disables instrumentation entirely.
	Metrics *Metrics
}

func (o *Options) setDefaults() {
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReconnectSleep == 0 {
		o.ReconnectSleep = defaultReconnectSleep
	}
	if o.Database == 0 {
		// zero value of int is a valid database index (DB 0), so callers
		// that want NoDatabase must set it explicitly; a bare
		// Options{} therefore defaults to DB 0, matching normal Redis
		// client expectations rather than silently skipping SELECT.
	}
}

// PipelineItem is one element of a CallPipeline result: exactly one of
// Reply or Err is set, one pair per pipelined command.
type PipelineItem struct {
	Reply Reply
	Err   error
}

// AsyncReply is delivered to an Async/AsyncPipeline subscriber exactly
// once per tag.
type AsyncReply struct {
	Tag     string
	Reply   Reply
	Replies []Reply
	Err     error
}

type callResult struct {
	replies []Reply
	err     error
}

type requestKind int

const (
	kindCall requestKind = iota
	kindCallPipeline
	kindCast
	kindAsync
	kindAsyncPipeline
)

type actorRequest struct {
	kind       requestKind
	cmds       [][]CommandArg
	resultCh   chan callResult
	subscriber chan<- AsyncReply
	tag        string
}

// inFlightEntry pairs a waiting caller with the number of replies still
// owed to it: 1 for a single command, K for a K-command pipeline.
type inFlightEntry struct {
	expected   int
	acc        []Reply
	resultCh   chan<- callResult
	subscriber chan<- AsyncReply
	tag        string
	pipeline   bool
}

func (e *inFlightEntry) finalize(err error) {
	switch {
	case e.subscriber != nil:
		msg := AsyncReply{Tag: e.tag, Err: err}
		if err == nil {
			if e.pipeline {
				msg.Replies = e.acc
			} else {
				msg.Reply = e.acc[0]
			}
		}
		select {
		case e.subscriber <- msg:
		default:
		}
	case e.resultCh != nil:
		e.resultCh <- callResult{replies: e.acc, err: err}
	default:
		// cast: fire-and-forget, nobody to notify
	}
}

// Client owns a single managed connection to a Redis service and
// multiplexes command/response traffic over it. Multiple goroutines may
// call its methods concurrently; all serialization happens inside the
// actor goroutine started by NewClient.
type Client struct {
	opts Options
	log  xlog.Logger

	reqCh   chan actorRequest
	closeCh chan chan struct{}
	closed  chan struct{}
}

// NewClient starts the managed connection and its actor goroutine.
//
// When opts.ReconnectSleep is NoReconnect, NewClient blocks on the first
// connect attempt and fails with *ConnectionError if it does not succeed.
// Otherwise NewClient returns immediately with a usable handle while the
// actor makes its first connect attempt; submissions made during that
// attempt wait in the actor's inbox until it resolves. If it fails, the
// actor enters Disconnected and the circuit breaker answers submissions
// with ErrNoConnection until a reconnect succeeds.
func NewClient(opts Options) (*Client, error) {
	opts.setDefaults()

	c := &Client{
		opts:    opts,
		log:     xlog.Named("redis.client"),
		reqCh:   make(chan actorRequest, 32),
		closeCh: make(chan chan struct{}),
		closed:  make(chan struct{}),
	}

	startup := make(chan error, 1)
	go c.run(startup)

	if opts.ReconnectSleep == NoReconnect {
		if err := <-startup; err != nil {
			return nil, &ConnectionError{Err: err}
		}
	}
	return c, nil
}

// Close stops the actor goroutine, failing every in-flight entry with
// ErrClosed and rejecting any submission made afterward.
func (c *Client) Close() error {
	done := make(chan struct{})
	select {
	case c.closeCh <- done:
		<-done
	case <-c.closed:
	}
	return nil
}

// Call submits a single command and waits for its reply or ctx
// cancellation. A per-call timeout only cancels the wait — the command
// may already be on the wire and its eventual reply is simply discarded.
func (c *Client) Call(ctx context.Context, cmd []CommandArg) (Reply, error) {
	resultCh := make(chan callResult, 1)
	req := actorRequest{kind: kindCall, cmds: [][]CommandArg{cmd}, resultCh: resultCh}

	select {
	case c.reqCh <- req:
	case <-c.closed:
		return nil, ErrClosed
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		if err := replyToError(res.replies[0]); err != nil {
			return nil, err
		}
		return res.replies[0], nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// CallPipeline submits a nonempty ordered sequence of commands atomically
// and waits for all replies, returned in the same order. An empty
// pipeline short-circuits to (nil, nil) without contacting the actor. A
// socket failure while replies are pending fails the whole pipeline with
// one error rather than per-element errors.
func (c *Client) CallPipeline(ctx context.Context, cmds [][]CommandArg) ([]PipelineItem, error) {
	if len(cmds) == 0 {
		return nil, nil
	}

	resultCh := make(chan callResult, 1)
	req := actorRequest{kind: kindCallPipeline, cmds: cmds, resultCh: resultCh}

	select {
	case c.reqCh <- req:
	case <-c.closed:
		return nil, ErrClosed
	}

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		items := make([]PipelineItem, len(res.replies))
		for i, r := range res.replies {
			if err := replyToError(r); err != nil {
				items[i] = PipelineItem{Err: err}
			} else {
				items[i] = PipelineItem{Reply: r}
			}
		}
		return items, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cast submits a command and drops its reply (fire-and-forget). A later
// Call from the same caller only completes after this cast was written,
// because both share the same actor inbox order.
func (c *Client) Cast(cmd []CommandArg) error {
	req := actorRequest{kind: kindCast, cmds: [][]CommandArg{cmd}}
	select {
	case c.reqCh <- req:
		return nil
	case <-c.closed:
		return ErrClosed
	}
}

// Async submits a command and delivers (tag, reply) to subscriber exactly
// once, instead of blocking the caller. subscriber should be buffered; a
// full channel causes the reply to be dropped rather than stall the
// actor.
func (c *Client) Async(cmd []CommandArg, subscriber chan<- AsyncReply) (string, error) {
	tag := tagging.New()
	req := actorRequest{kind: kindAsync, cmds: [][]CommandArg{cmd}, subscriber: subscriber, tag: tag}
	select {
	case c.reqCh <- req:
		return tag, nil
	case <-c.closed:
		return "", ErrClosed
	}
}

// AsyncPipeline is Async's pipelined counterpart: subscriber receives one
// AsyncReply carrying Replies instead of Reply.
func (c *Client) AsyncPipeline(cmds [][]CommandArg, subscriber chan<- AsyncReply) (string, error) {
	if len(cmds) == 0 {
		return "", nil
	}
	tag := tagging.New()
	req := actorRequest{kind: kindAsyncPipeline, cmds: cmds, subscriber: subscriber, tag: tag}
	select {
	case c.reqCh <- req:
		return tag, nil
	case <-c.closed:
		return "", ErrClosed
	}
}

// Ping is a liveness helper: PING must return SimpleString("PONG").
func (c *Client) Ping(ctx context.Context) error {
	r, err := c.Call(ctx, NewCommand("PING"))
	if err != nil {
		return err
	}
	if ss, ok := r.(SimpleString); ok && string(ss) == "PONG" {
		return nil
	}
	return ErrProtocol
}

// run is the connection actor: a single goroutine interleaving caller
// submissions, socket-readable events, and timer events. No lock guards
// state here because nothing outside this goroutine touches it.
func (c *Client) run(startup chan<- error) {
	defer close(c.closed)

	noReconnect := c.opts.ReconnectSleep == NoReconnect
	state := StateConnecting
	var conn *connection
	var fifo []*inFlightEntry
	var reconnectTimer *time.Timer

	fail := func(err error) {
		for _, e := range fifo {
			e.finalize(err)
		}
		fifo = nil
	}

	tryConnect := func() error {
		cn, err := c.connect()
		if err != nil {
			return err
		}
		conn = cn
		state = StateReady
		c.opts.Metrics.reconnected()
		return nil
	}

	err := tryConnect()
	switch {
	case err != nil && noReconnect:
		startup <- err
		return
	case err != nil:
		state = StateDisconnected
		reconnectTimer = time.NewTimer(c.opts.ReconnectSleep)
		startup <- nil
	default:
		startup <- nil
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
		case req := <-c.reqCh:
			c.handleRequest(req, state, conn, &fifo)

		case replies := <-repliesCh:
			c.dispatch(&fifo, replies)

		case connErr := <-errCh:
			c.log.Warnf("redis: connection lost: %v", connErr)
			conn.close()
			conn = nil
			fail(ErrClosed)
			if noReconnect {
				return
			}
			state = StateDisconnected
			reconnectTimer = time.NewTimer(c.opts.ReconnectSleep)

		case <-timerC:
			reconnectTimer = nil
			if err := tryConnect(); err != nil {
				c.log.Debugf("redis: reconnect failed: %v", err)
				reconnectTimer = time.NewTimer(c.opts.ReconnectSleep)
			}

		case done := <-c.closeCh:
			fail(ErrClosed)
			if conn != nil {
				conn.close()
			}
			close(done)
			return
		}
	}
}

// handleRequest applies the circuit-breaker contract before ever
// touching the FIFO: while state != Ready, every submission is answered
// immediately with ErrNoConnection (or, for cast/async, simply
// dropped/notified without blocking the actor).
func (c *Client) handleRequest(req actorRequest, state ConnectionState, conn *connection, fifo *[]*inFlightEntry) {
	if state != StateReady {
		switch req.kind {
		case kindCall, kindCallPipeline:
			req.resultCh <- callResult{err: ErrNoConnection}
		case kindAsync, kindAsyncPipeline:
			select {
			case req.subscriber <- AsyncReply{Tag: req.tag, Err: ErrNoConnection}:
			default:
			}
		case kindCast:
			// fire-and-forget with nobody listening: simply dropped
		}
		return
	}

	b, err := EncodePipeline(req.cmds)
	if err != nil {
		switch req.kind {
		case kindCall, kindCallPipeline:
			req.resultCh <- callResult{err: err}
		case kindAsync, kindAsyncPipeline:
			select {
			case req.subscriber <- AsyncReply{Tag: req.tag, Err: err}:
			default:
			}
		}
		return
	}

	entry := &inFlightEntry{
		expected:   len(req.cmds),
		resultCh:   req.resultCh,
		subscriber: req.subscriber,
		tag:        req.tag,
		pipeline:   req.kind == kindCallPipeline || req.kind == kindAsyncPipeline,
	}
	*fifo = append(*fifo, entry)
	conn.write(b)
	c.opts.Metrics.commandSent(len(req.cmds))
}

// dispatch consumes a batch of decoded replies against the FIFO head,
// accumulating K replies per pipeline entry before resuming its waiter.
// Error replies do not abort a pipeline: later replies in the same batch
// still get collected normally.
func (c *Client) dispatch(fifo *[]*inFlightEntry, replies []Reply) {
	queue := *fifo
	for _, r := range replies {
		if len(queue) == 0 {
			c.log.Warnf("redis: reply with no in-flight entry, dropping")
			continue
		}
		head := queue[0]
		head.acc = append(head.acc, r)
		if len(head.acc) == head.expected {
			queue = queue[1:]
			head.finalize(nil)
		}
	}
	*fifo = queue
}

// connect dials the endpoint and replays AUTH/SELECT before handing the
// connection back: AUTH precedes SELECT, and both complete before Ready.
func (c *Client) connect() (*connection, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.opts.ConnectTimeout)
	defer cancel()

	nc, err := c.opts.Endpoint.Dial(ctx)
	if err != nil {
		return nil, err
	}
	cn := newConnection(nc)

	if c.opts.Password != "" {
		if err := c.handshake(cn, NewCommand("AUTH", Str(c.opts.Password))); err != nil {
			cn.close()
			return nil, err
		}
	}
	if c.opts.Database != NoDatabase {
		if err := c.handshake(cn, NewCommand("SELECT", Int(int64(c.opts.Database)))); err != nil {
			cn.close()
			return nil, err
		}
	}
	return cn, nil
}

// handshake sends a single command and requires a SimpleString("OK")
// reply, used for AUTH and SELECT during (re)connect. Any other reply —
// including a server Error — aborts the connect attempt.
func (c *Client) handshake(cn *connection, cmd []CommandArg) error {
	b, err := Encode(cmd)
	if err != nil {
		return err
	}
	cn.write(b)

	select {
	case replies := <-cn.repliesCh:
		r := replies[0]
		if !isOK(r) {
			if err := replyToError(r); err != nil {
				return err
			}
			return ErrProtocol
		}
		return nil
	case err := <-cn.errCh:
		return err
	case <-time.After(c.opts.ConnectTimeout):
		return context.DeadlineExceeded
	}
}
