package transaction

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// Default retry settings.
const (
	DefaultTimeout          = 500 * time.Millisecond
	DefaultTimeoutIncrement = 500 * time.Millisecond
	DefaultMaxRetries       = 2
)

// Logger is the logging interface used by this package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// SendFunc writes one request datagram to the bus. It must not block for
// long; the Layer calls it without holding any lock.
type SendFunc func(p vbus.Packet) error

// Options configures a Layer.
type Options struct {
	// Retry is the default retransmission policy. A zero Timeout selects
	// DefaultTimeout, DefaultTimeoutIncrement and DefaultMaxRetries.
	Retry RetryPolicy

	// SelfAddress is the source address of requests built by IssueGet and
	// IssueSet. Defaults to vbus.AddressComputer.
	SelfAddress uint16

	// Logger is optional.
	Logger Logger
}

// Result is the outcome of a completed request.
type Result struct {
	// Reply is the matching packet.
	Reply vbus.Packet

	// Index and Value are the reply's datagram parameters.
	Index uint16
	Value int32

	// Sends is how many times the request went on the wire.
	Sends int
}

// Handle resolves to the outcome of one request.
type Handle struct {
	done   chan struct{}
	result Result
	err    error
}

// Done is closed once the request has resolved.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the request resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return Result{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// pending is a request in the pending set.
type pending struct {
	req    Request
	owner  string
	retry  RetryPolicy
	handle *Handle

	sends    int
	timer    *time.Timer
	resolved bool
	stopCtx  func() bool
}

// Layer is the pending-request set. It is safe for concurrent use.
type Layer struct {
	send SendFunc
	opts Options

	mu     sync.Mutex
	queues map[Key][]*pending
	closed bool
}

// NewLayer creates a Layer writing requests through send.
func NewLayer(send SendFunc, opts Options) *Layer {
	if opts.Retry.Timeout <= 0 {
		opts.Retry = RetryPolicy{
			Timeout:          DefaultTimeout,
			TimeoutIncrement: DefaultTimeoutIncrement,
			MaxRetries:       DefaultMaxRetries,
		}
	}
	if opts.Retry.MaxRetries < 0 {
		opts.Retry.MaxRetries = 0
	}
	if opts.SelfAddress == 0 {
		opts.SelfAddress = vbus.AddressComputer
	}
	return &Layer{
		send:   send,
		opts:   opts,
		queues: make(map[Key][]*pending),
	}
}

// SelfAddress returns the source address used for requests built here.
func (l *Layer) SelfAddress() uint16 {
	return l.opts.SelfAddress
}

// IssueGet requests the raw value at (address, index).
func (l *Layer) IssueGet(ctx context.Context, owner string, address, index uint16) *Handle {
	return l.Submit(ctx, owner, GetRequest(l.opts.SelfAddress, address, index, 0))
}

// IssueSet writes raw to (address, index).
func (l *Layer) IssueSet(ctx context.Context, owner string, address, index uint16, raw int32) *Handle {
	return l.Submit(ctx, owner, SetRequest(l.opts.SelfAddress, address, index, 0, raw))
}

// Submit queues req behind any request with the same key and transmits it
// once it reaches the head of that queue.
//
// Cancelling ctx fails the request with ErrCancelled and frees its slot.
func (l *Layer) Submit(ctx context.Context, owner string, req Request) *Handle {
	p := &pending{
		req:    req,
		owner:  owner,
		retry:  l.opts.Retry,
		handle: &Handle{done: make(chan struct{})},
	}
	if req.Retry != nil {
		p.retry = *req.Retry
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		p.resolved = true
		p.handle.err = ErrClosed
		close(p.handle.done)
		return p.handle
	}
	queue := append(l.queues[req.Key], p)
	l.queues[req.Key] = queue
	head := len(queue) == 1
	p.stopCtx = context.AfterFunc(ctx, func() {
		l.finish(p, Result{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err()))
	})
	l.mu.Unlock()

	l.logDebug("transaction queued", "op", req.Op, "key", req.Key, "owner", owner, "head", head)

	if head {
		l.transmit(p)
	}
	return p.handle
}

// transmit sends p and arms its deadline.
func (l *Layer) transmit(p *pending) {
	l.mu.Lock()
	if p.resolved {
		l.mu.Unlock()
		return
	}
	try := p.sends
	p.sends++
	p.timer = time.AfterFunc(p.retry.deadline(try), func() {
		l.expire(p, try)
	})
	l.mu.Unlock()

	if err := l.send(p.req.Packet); err != nil {
		l.finish(p, Result{}, fmt.Errorf("%w: %w", ErrSend, err))
	}
}

// expire handles the deadline of the given try.
func (l *Layer) expire(p *pending, try int) {
	l.mu.Lock()
	if p.resolved || p.sends != try+1 {
		l.mu.Unlock()
		return
	}
	exhausted := p.sends > p.retry.MaxRetries
	l.mu.Unlock()

	if exhausted {
		l.finish(p, Result{}, fmt.Errorf("%w: %s %s after %d sends", ErrTimeout, p.req.Op, p.req.Key, try+1))
		return
	}
	l.logDebug("transaction retry", "op", p.req.Op, "key", p.req.Key, "send", try+2)
	l.transmit(p)
}

// HandlePacket completes the in-flight request that p answers. It returns
// false when p matched nothing.
func (l *Layer) HandlePacket(p vbus.Packet) bool {
	l.mu.Lock()
	var match *pending
	for _, queue := range l.queues {
		head := queue[0]
		if head.sends > 0 && head.req.Match(p) {
			match = head
			break
		}
	}
	l.mu.Unlock()

	if match == nil {
		return false
	}
	l.finish(match, Result{
		Reply: p,
		Index: p.Param16(),
		Value: p.Param32(),
	}, nil)
	return true
}

// finish resolves p and promotes the next request for its key.
func (l *Layer) finish(p *pending, res Result, err error) {
	l.mu.Lock()
	if p.resolved {
		l.mu.Unlock()
		return
	}
	p.resolved = true
	if p.timer != nil {
		p.timer.Stop()
	}
	res.Sends = p.sends

	var next *pending
	queue := l.queues[p.req.Key]
	for i, q := range queue {
		if q != p {
			continue
		}
		queue = append(queue[:i:i], queue[i+1:]...)
		if i == 0 && len(queue) > 0 {
			next = queue[0]
		}
		break
	}
	if len(queue) == 0 {
		delete(l.queues, p.req.Key)
	} else {
		l.queues[p.req.Key] = queue
	}
	l.mu.Unlock()

	if p.stopCtx != nil {
		p.stopCtx()
	}
	p.handle.result = res
	p.handle.err = err
	close(p.handle.done)

	if err != nil {
		l.logDebug("transaction failed", "op", p.req.Op, "key", p.req.Key, "sends", res.Sends, "error", err)
	}

	if next != nil {
		l.transmit(next)
	}
}

// CancelOwner fails every request owned by owner with ErrCancelled.
// It returns the number of requests cancelled.
func (l *Layer) CancelOwner(owner string) int {
	l.mu.Lock()
	var victims []*pending
	for _, queue := range l.queues {
		for _, p := range queue {
			if p.owner == owner {
				victims = append(victims, p)
			}
		}
	}
	l.mu.Unlock()

	// Later entries first, so a cancelled head never promotes a victim.
	for i := len(victims) - 1; i >= 0; i-- {
		l.finish(victims[i], Result{}, fmt.Errorf("%w: owner %s closed", ErrCancelled, owner))
	}
	return len(victims)
}

// Pending returns the number of queued and in-flight requests.
func (l *Layer) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := 0
	for _, queue := range l.queues {
		n += len(queue)
	}
	return n
}

// Close cancels all requests and rejects new ones.
func (l *Layer) Close() {
	l.mu.Lock()
	l.closed = true
	var victims []*pending
	for _, queue := range l.queues {
		victims = append(victims, queue...)
	}
	l.mu.Unlock()

	// Later entries first, so no successor gets transmitted.
	for i := len(victims) - 1; i >= 0; i-- {
		l.finish(victims[i], Result{}, fmt.Errorf("%w: layer closed", ErrCancelled))
	}
}

func (l *Layer) logDebug(msg string, keysAndValues ...any) {
	if l.opts.Logger != nil {
		l.opts.Logger.Debug(msg, keysAndValues...)
	}
}
