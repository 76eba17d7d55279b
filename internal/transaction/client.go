package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/transport"
	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// DefaultFreeBusTimeout is how long WaitForFreeBus waits for the controller
// to offer the bus. Controllers offer it once per cyclic data interval.
const DefaultFreeBusTimeout = 20 * time.Second

// readBufferSize matches the chunk size the adapters deliver.
const readBufferSize = 256

// watcher receives the first packet accepted by match.
type watcher struct {
	match func(vbus.Packet) bool
	ch    chan vbus.Packet
}

// Client drives a Layer over one connection to a controller.
//
// The read loop started by NewClient feeds every received packet to the
// Layer and to callers blocked in WaitForFreeBus.
type Client struct {
	adapter transport.Adapter
	layer   *Layer
	logger  Logger
	self    uint16

	writeMu sync.Mutex

	mu       sync.Mutex
	watchers map[int]*watcher
	nextID   int

	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// NewClient starts reading from adapter. Close releases the adapter.
//
// Parameters:
//   - adapter: Open connection to the controller, already past any handshake
//   - opts: Retry policy, own bus address and optional logger
//
// Returns:
//   - *Client: Ready client
func NewClient(adapter transport.Adapter, opts Options) *Client {
	c := &Client{
		adapter:  adapter,
		logger:   opts.Logger,
		watchers: make(map[int]*watcher),
		done:     make(chan struct{}),
	}
	c.layer = NewLayer(c.write, opts)
	c.self = c.layer.SelfAddress()

	go c.readLoop()
	return c
}

// Layer returns the underlying transaction layer.
func (c *Client) Layer() *Layer {
	return c.layer
}

// Done is closed when the read loop has stopped.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that stopped the read loop, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Close stops the read loop, fails pending requests and closes the adapter.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.layer.Close()
		err = c.adapter.Close()
	})
	<-c.done
	return err
}

func (c *Client) write(p vbus.Packet) error {
	b, err := vbus.Encode(p)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.adapter.Write(b)
	return err
}

func (c *Client) readLoop() {
	defer close(c.done)

	asm := vbus.NewAssembler(0)
	buf := make([]byte, readBufferSize)
	for {
		n, err := c.adapter.Read(buf)
		if n > 0 {
			asm.Extend(buf[:n])
			for p := range asm.All() {
				c.dispatch(p)
			}
		}
		if err != nil {
			if !errors.Is(err, transport.ErrDisconnected) && c.logger != nil {
				c.logger.Warn("client read failed", "error", err)
			}
			c.readErr = err
			c.layer.Close()
			return
		}
	}
}

func (c *Client) dispatch(p vbus.Packet) {
	c.layer.HandlePacket(p)

	c.mu.Lock()
	for id, w := range c.watchers {
		if w.match(p) {
			w.ch <- p // buffered, one slot per watcher
			delete(c.watchers, id)
		}
	}
	c.mu.Unlock()
}

// watch waits for the first packet accepted by match.
func (c *Client) watch(ctx context.Context, timeout time.Duration, match func(vbus.Packet) bool) (vbus.Packet, error) {
	w := &watcher{match: match, ch: make(chan vbus.Packet, 1)}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.watchers[id] = w
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p := <-w.ch:
		return p, nil
	case <-timer.C:
		return vbus.Packet{}, fmt.Errorf("%w: no matching packet within %s", ErrTimeout, timeout)
	case <-c.done:
		return vbus.Packet{}, fmt.Errorf("%w: connection closed", ErrCancelled)
	case <-ctx.Done():
		return vbus.Packet{}, fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
	}
}

// WaitForFreeBus waits until a controller offers bus control and returns
// the offering datagram; its Source is the controller's address. A zero
// timeout selects DefaultFreeBusTimeout.
func (c *Client) WaitForFreeBus(ctx context.Context, timeout time.Duration) (vbus.Packet, error) {
	if timeout <= 0 {
		timeout = DefaultFreeBusTimeout
	}
	return c.watch(ctx, timeout, func(p vbus.Packet) bool {
		return p.IsDatagram() && p.Command == vbus.CommandOfferBus
	})
}

// do submits req and waits for its outcome.
func (c *Client) do(ctx context.Context, req Request) (Result, error) {
	return c.layer.Submit(ctx, "", req).Wait(ctx)
}

// ReleaseBus hands bus control back to the controller at address.
func (c *Client) ReleaseBus(ctx context.Context, address uint16) error {
	_, err := c.do(ctx, ReleaseBusRequest(c.self, address))
	return err
}

// GetValue reads the raw value at index.
func (c *Client) GetValue(ctx context.Context, address, index uint16, subindex uint8) (Result, error) {
	return c.do(ctx, GetRequest(c.self, address, index, subindex))
}

// SetValue writes raw to index. The reply carries the value the controller
// actually stored.
func (c *Client) SetValue(ctx context.Context, address, index uint16, subindex uint8, raw int32) (Result, error) {
	return c.do(ctx, SetRequest(c.self, address, index, subindex, raw))
}

// GetValueIDHash returns the id hash of the value at index.
func (c *Client) GetValueIDHash(ctx context.Context, address, index uint16) (Result, error) {
	return c.do(ctx, IDHashRequest(c.self, address, index))
}

// GetValueIndex looks up the index of the value with idHash. Some
// controllers answer with a plain value reply (0x0100); check
// Result.Reply.Command.
func (c *Client) GetValueIndex(ctx context.Context, address uint16, idHash int32) (Result, error) {
	return c.do(ctx, IndexRequest(c.self, address, idHash))
}

// GetCaps1 reads the controller's first capability word.
func (c *Client) GetCaps1(ctx context.Context, address uint16) (Result, error) {
	return c.do(ctx, Caps1Request(c.self, address))
}

// BeginBulkValueTransaction opens a bulk transaction that the controller
// rolls back after timeoutSec seconds unless committed.
func (c *Client) BeginBulkValueTransaction(ctx context.Context, address uint16, timeoutSec int32) error {
	_, err := c.do(ctx, BeginBulkRequest(c.self, address, timeoutSec))
	return err
}

// CommitBulkValueTransaction commits the open bulk transaction.
func (c *Client) CommitBulkValueTransaction(ctx context.Context, address uint16) error {
	_, err := c.do(ctx, CommitBulkRequest(c.self, address))
	return err
}

// RollbackBulkValueTransaction discards the open bulk transaction.
func (c *Client) RollbackBulkValueTransaction(ctx context.Context, address uint16) error {
	_, err := c.do(ctx, RollbackBulkRequest(c.self, address))
	return err
}

// SetBulkValue writes raw to index inside the open bulk transaction.
func (c *Client) SetBulkValue(ctx context.Context, address, index uint16, subindex uint8, raw int32) (Result, error) {
	return c.do(ctx, SetBulkRequest(c.self, address, index, subindex, raw))
}
