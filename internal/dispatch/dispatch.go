// Package dispatch implements the long-lived dispatcher task: the single
// loop that waits on handler_owns, validates, finds a handler, checks
// sizes, invokes it, builds a response, and sends it — looping back to
// WAIT_RX whether or not the request succeeded.
//
// There is never more than one request in flight on a given transport
// instance, so the loop needs no per-request indexing: it blocks for the
// next handler_owns signal, processes exactly one request, and always
// re-arms the wait before returning, on every path including an error.
package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/behrlich/echost/internal/logging"
	"github.com/behrlich/echost/internal/registry"
	"github.com/behrlich/echost/internal/wire"
	"github.com/behrlich/echost/transport"
	"github.com/rs/xid"
)

// State names the dispatcher's current step, for logging and tests.
type State int

const (
	StateWaitRX State = iota
	StateValidate
	StateFindHandler
	StateCheckSizes
	StateInvoke
	StateBuildResponse
	StateSend
	StateSendError
)

func (s State) String() string {
	switch s {
	case StateWaitRX:
		return "WAIT_RX"
	case StateValidate:
		return "VALIDATE"
	case StateFindHandler:
		return "FIND_HANDLER"
	case StateCheckSizes:
		return "CHECK_SIZES"
	case StateInvoke:
		return "INVOKE"
	case StateBuildResponse:
		return "BUILD_RESPONSE"
	case StateSend:
		return "SEND"
	case StateSendError:
		return "SEND_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Observer receives one event per completed request, letting a metrics
// layer subscribe without dispatch depending on a concrete implementation.
type Observer interface {
	ObserveDispatch(cmdID uint16, cmdVer uint8, status wire.Status, latencyNs uint64)
}

// NoOpObserver discards all events.
type NoOpObserver struct{}

func (NoOpObserver) ObserveDispatch(uint16, uint8, wire.Status, uint64) {}

// Dispatcher is the single long-lived task that owns the rx/tx contexts and
// their ownership tokens. It is spawned once after Transport.Init succeeds
// and runs for the process lifetime.
type Dispatcher struct {
	rx        *transport.RxContext
	tx        *transport.TxContext
	transport transport.Transport
	registry  *registry.Registry
	logger    *logging.Logger
	observer  Observer
}

// Config configures a new Dispatcher.
type Config struct {
	Transport  transport.Transport
	Registry   *registry.Registry
	BufferSize int // defaults to wire.MinBufferSize
	Logger     *logging.Logger
	Observer   Observer
}

// New wires a transport backend to a frozen handler registry: it allocates
// the rx/tx contexts, calls transport.Init, and returns any backend error
// verbatim. The dispatcher loop itself is started by Run.
func New(cfg Config) (*Dispatcher, error) {
	if cfg.Transport == nil {
		return nil, fmt.Errorf("dispatch: Transport is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("dispatch: Registry is required")
	}
	bufSize := cfg.BufferSize
	if bufSize == 0 {
		bufSize = wire.MinBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = NoOpObserver{}
	}

	cfg.Registry.Freeze()

	rx, tx := transport.NewContexts(bufSize)
	if err := cfg.Transport.Init(rx, tx); err != nil {
		return nil, err
	}

	return &Dispatcher{
		rx:        rx,
		tx:        tx,
		transport: cfg.Transport,
		registry:  cfg.Registry,
		logger:    logger,
		observer:  observer,
	}, nil
}

// Run executes the dispatcher loop until ctx is canceled. Each iteration
// processes exactly one request.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err := d.step(ctx); err != nil {
			return err
		}
	}
}

// step runs one WAIT_RX..SEND/SEND_ERROR cycle.
func (d *Dispatcher) step(ctx context.Context) error {
	logger := d.logger.WithTraceID(xid.New().String())

	// WAIT_RX: block on handler_owns with no timeout.
	done := make(chan struct{})
	go func() {
		d.rx.WaitHandlerOwns()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	start := time.Now()

	// VALIDATE.
	req, verr := wire.ValidateRequest(d.rx.Buf, d.rx.Len, d.rx.Scratch)
	if verr != nil {
		status := verr.(*wire.ValidationError).Status
		logger.Debugf("dispatch: validate failed: %s", status)
		d.sendError(status)
		d.observer.ObserveDispatch(0, 0, status, uint64(time.Since(start).Nanoseconds()))
		return nil
	}

	// FIND_HANDLER.
	handler, ok := d.registry.FindByID(req.Header.CmdID)
	if !ok {
		logger.Infof("dispatch: unknown cmd_id=%#x", req.Header.CmdID)
		d.sendError(wire.StatusInvalidCommand)
		d.observer.ObserveDispatch(req.Header.CmdID, req.Header.CmdVer, wire.StatusInvalidCommand, uint64(time.Since(start).Nanoseconds()))
		return nil
	}

	// CHECK_SIZES.
	if status, ok := d.checkSizes(handler, req); !ok {
		d.sendError(status)
		d.observer.ObserveDispatch(req.Header.CmdID, req.Header.CmdVer, status, uint64(time.Since(start).Nanoseconds()))
		return nil
	}

	// INVOKE. A panicking handler is isolated in invoke below and reported
	// as StatusError rather than taking the dispatcher down with it. A
	// non-success handler status is surfaced verbatim as the result field
	// of a header-only error response; handler output is only transmitted
	// on success.
	outputMax := d.tx.LenMax - wire.HeaderSize
	status, outputLen := d.invoke(handler, req, outputMax)
	if status != wire.StatusSuccess {
		d.sendError(status)
		d.observer.ObserveDispatch(req.Header.CmdID, req.Header.CmdVer, status, uint64(time.Since(start).Nanoseconds()))
		return nil
	}

	// BUILD_RESPONSE.
	frameLen, err := wire.BuildResponse(d.tx.Buf, outputLen)
	if err != nil {
		logger.Warnf("dispatch: response overflow: %v", err)
		d.sendError(wire.StatusInvalidResponse)
		d.observer.ObserveDispatch(req.Header.CmdID, req.Header.CmdVer, wire.StatusInvalidResponse, uint64(time.Since(start).Nanoseconds()))
		return nil
	}

	// SEND.
	d.tx.Len = frameLen
	if err := d.transport.Send(d.tx); err != nil {
		logger.Warnf("dispatch: send failed: %v", err)
	}
	// The dispatcher releases dev_owns after send returns, regardless of
	// whether send succeeded — every backend follows this discipline and
	// never raises dev_owns itself, so release happens in exactly one place.
	d.rx.RaiseDevOwns()

	d.observer.ObserveDispatch(req.Header.CmdID, req.Header.CmdVer, status, uint64(time.Since(start).Nanoseconds()))
	return nil
}

func (d *Dispatcher) checkSizes(h registry.Descriptor, req wire.Request) (wire.Status, bool) {
	if int(req.Header.DataLen) < int(h.MinRequestSize) {
		return wire.StatusRequestTruncated, false
	}
	if d.tx.LenMax-wire.HeaderSize < int(h.MinResponseSize) {
		return wire.StatusInvalidResponse, false
	}
	if !h.SupportsVersion(req.Header.CmdVer) {
		return wire.StatusInvalidVersion, false
	}
	return wire.StatusSuccess, true
}

func (d *Dispatcher) invoke(h registry.Descriptor, req wire.Request, outputMax int) (status wire.Status, outputLen int) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("dispatch: handler for cmd_id=%#x panicked: %v", h.ID, r)
			status, outputLen = wire.StatusError, 0
		}
	}()
	output := d.tx.Buf[wire.HeaderSize : wire.HeaderSize+outputMax]
	outputLen, status = h.Handler(req.Header.CmdVer, req.Payload, output)
	return status, outputLen
}

func (d *Dispatcher) sendError(status wire.Status) {
	n := wire.BuildErrorResponse(d.tx.Buf, status)
	d.tx.Len = n
	if err := d.transport.Send(d.tx); err != nil {
		d.logger.Warnf("dispatch: send_error failed: %v", err)
	}
	d.rx.RaiseDevOwns()
}

// Step runs exactly one dispatch cycle, blocking until a request arrives or
// ctx is canceled. Exported for tests and for callers that want to drive the
// loop manually instead of through Run.
func (d *Dispatcher) Step(ctx context.Context) error {
	return d.step(ctx)
}
