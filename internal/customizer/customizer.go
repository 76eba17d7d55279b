package customizer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/params"
	"github.com/nerrad567/vbus-bridge/internal/transaction"
	"github.com/nerrad567/vbus-bridge/internal/transport"
	"github.com/nerrad567/vbus-bridge/internal/vbus"
)

// changesetIndex is the value index holding the firmware changeset.
const changesetIndex = 0

// releaseTimeout bounds the final ReleaseBus so a dead link cannot hold up
// reporting results.
const releaseTimeout = 10 * time.Second

// Logger is the logging interface used by RunActions.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// ConnectionParams describes how to reach the controller.
type ConnectionParams struct {
	// Opener connects to the controller, e.g. a transport.TCPOpener.
	Opener transport.Opener

	// Transaction sets the retry policy and own bus address.
	Transaction transaction.Options

	// FreeBusTimeout bounds the wait for the controller to offer the bus.
	// Zero selects transaction.DefaultFreeBusTimeout.
	FreeBusTimeout time.Duration

	Logger Logger
}

// Result is the outcome of one Action.
type Result struct {
	Action Action

	// Index is the value index the action was executed against.
	Index uint16

	// Raw is the value the controller reported, on the wire scale.
	Raw int32

	// Value is Raw in user units.
	Value float64

	// Err is set if the action failed.
	Err error
}

// OK reports whether the action succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Line formats the result as "idOrIndex=value", with "?" for failures.
func (r Result) Line() string {
	if r.Err != nil {
		return r.Action.IDOrIndex + "=" + readMarker
	}
	return r.Action.IDOrIndex + "=" + strconv.FormatFloat(r.Value, 'f', -1, 64)
}

// plan is an action resolved against the table and the controller.
type plan struct {
	entry params.Entry
	raw   int32
}

// RunActions executes actions against the controller reachable through cp.
//
// The returned error covers failures that prevent running the batch at
// all: connecting, waiting for the bus, or a table that does not match
// the controller. Per-action failures, including out-of-range writes that
// are rejected before any wire traffic, are reported in each Result.
//
// Parameters:
//   - ctx: Cancels the whole batch
//   - cp: Connection settings
//   - resolver: Parameter table; nil resolves bare indices and identifiers
//   - actions: Reads and writes to perform, in order
//
// Returns:
//   - []Result: One entry per action, in order
//   - error: Batch-level failure
func RunActions(ctx context.Context, cp ConnectionParams, resolver *params.Resolver, actions []Action) ([]Result, error) {
	if cp.Opener == nil {
		return nil, ErrNoOpener
	}
	logger := cp.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	if cp.Transaction.Logger == nil {
		cp.Transaction.Logger = logger
	}

	logger.Debug("connecting", "target", cp.Opener.String())
	adapter, err := cp.Opener.Open(ctx)
	if err != nil {
		return nil, err
	}
	client := transaction.NewClient(adapter, cp.Transaction)
	defer client.Close() //nolint:errcheck // connection is discarded

	return run(ctx, client, resolver, actions, cp.FreeBusTimeout, logger)
}

func run(ctx context.Context, client *transaction.Client, resolver *params.Resolver, actions []Action, freeBus time.Duration, logger Logger) ([]Result, error) {
	if resolver == nil {
		resolver = params.NewResolver()
	}

	logger.Debug("waiting for free bus")
	offer, err := client.WaitForFreeBus(ctx, freeBus)
	if err != nil {
		return nil, fmt.Errorf("waiting for free bus: %w", err)
	}
	peer := offer.Source
	logger.Debug("bus offered", "address", fmt.Sprintf("0x%04X", peer))

	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if err := client.ReleaseBus(rctx, peer); err != nil {
			logger.Warn("releasing bus failed", "error", err)
		}
	}()

	if err := checkController(ctx, client, resolver, peer, logger); err != nil {
		return nil, err
	}

	results := make([]Result, len(actions))
	plans := make([]plan, len(actions))
	needsResync := false
	for i, a := range actions {
		results[i].Action = a
		p, resync, err := prepare(ctx, client, resolver, peer, a)
		if err != nil {
			results[i].Err = err
			continue
		}
		plans[i] = p
		results[i].Index = p.entry.Index
		needsResync = needsResync || resync
	}

	// A controller that answers an index lookup with a plain value reply
	// needs one more request before it settles.
	if needsResync {
		logger.Debug("resyncing bus")
		if _, err := client.GetValue(ctx, peer, changesetIndex, 0); err != nil {
			logger.Warn("resync failed", "error", err)
		}
	}

	for i := range actions {
		if results[i].Err != nil {
			continue
		}
		execute(ctx, client, peer, plans[i], &results[i])
		if results[i].Err != nil {
			logger.Warn("action failed", "action", actions[i].String(), "error", results[i].Err)
		}
	}
	return results, nil
}

// checkController reads the changeset and compares the controller with
// the table's address and changeset, if the table declares them.
func checkController(ctx context.Context, client *transaction.Client, resolver *params.Resolver, peer uint16, logger Logger) error {
	res, err := client.GetValue(ctx, peer, changesetIndex, 0)
	if err != nil {
		return fmt.Errorf("reading changeset: %w", err)
	}
	changeset := int64(uint32(res.Value)) //nolint:gosec // changeset is an unsigned 32-bit id
	logger.Debug("changeset read", "changeset", fmt.Sprintf("0x%08X", changeset))

	if want, ok := resolver.Address(); ok && want != peer {
		return fmt.Errorf("%w: table is for 0x%04X, bus offered by 0x%04X", ErrAddressMismatch, want, peer)
	}
	if want, ok := resolver.Changeset(); ok && want != changeset {
		return fmt.Errorf("%w: table has 0x%08X, controller has 0x%08X", ErrChangesetMismatch, want, changeset)
	}
	return nil
}

// prepare resolves the action's entry, scales its value and looks up the
// value index by id hash if the table does not fix it.
func prepare(ctx context.Context, client *transaction.Client, resolver *params.Resolver, peer uint16, a Action) (plan, bool, error) {
	entry, err := resolver.Resolve(a.IDOrIndex)
	if err != nil {
		return plan{}, false, err
	}

	var p plan
	if !a.Read {
		if p.raw, err = entry.ScaleWrite(a.Value); err != nil {
			return plan{}, false, err
		}
	}

	resync := false
	if !entry.HasIndex {
		res, err := client.GetValueIndex(ctx, peer, entry.IDHash())
		if err != nil {
			return plan{}, false, fmt.Errorf("looking up index of %s: %w", entry.ID, err)
		}
		if res.Index == 0 {
			return plan{}, false, fmt.Errorf("%w: %s", ErrIndexNotFound, entry.ID)
		}
		resync = res.Reply.Command == vbus.CommandValue
		entry.Index = res.Index
		entry.HasIndex = true
	}
	p.entry = entry
	return p, resync, nil
}

func execute(ctx context.Context, client *transaction.Client, peer uint16, p plan, r *Result) {
	var (
		res transaction.Result
		err error
	)
	if r.Action.Read {
		res, err = client.GetValue(ctx, peer, p.entry.Index, 0)
	} else {
		res, err = client.SetValue(ctx, peer, p.entry.Index, 0, p.raw)
	}
	if err != nil {
		r.Err = err
		return
	}
	r.Raw = res.Value
	r.Value = p.entry.ScaleRead(res.Value)
}

// Failed returns the number of failed results.
func Failed(results []Result) int {
	n := 0
	for _, r := range results {
		if !r.OK() {
			n++
		}
	}
	return n
}

// IsResolutionError reports whether err was raised before any wire
// traffic for its action.
func IsResolutionError(err error) bool {
	return errors.Is(err, params.ErrUnknownParameter) || errors.Is(err, params.ErrOutOfRange)
}
