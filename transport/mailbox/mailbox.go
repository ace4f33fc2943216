// Package mailbox implements the shared-memory mailbox transport backend:
// the host writes a request into a shared window and signals a bus event
// ("peripheral host command"); the backend's bus-event callback reads the
// window, stages it as rx.Scratch, and raises handler_owns so the
// dispatcher can validate-then-snapshot into rx.Buf. This is the one
// backend in this module that needs the scratch-buffer indirection at all,
// since it is the one sharing memory with an untrusted, concurrently
// writable window rather than owning its rx buffer outright.
package mailbox

import (
	"fmt"
	"sync/atomic"

	"github.com/behrlich/echost/internal/logging"
	"github.com/behrlich/echost/transport"
	"github.com/cenkalti/backoff/v4"
)

// Window is the shared-memory region both host and EC can address. A real
// board binds this to an eSPI-mapped region; tests can back it with a plain
// byte slice.
type Window []byte

// BusDriver is the hardware bus abstraction this backend depends on: it
// lets the backend register a callback for "peripheral host command"
// events and lets it post an outgoing bus message once a response is ready.
// A real board implements this over its eSPI/LPC controller; this package
// only depends on the interface, not any particular bus controller.
type BusDriver interface {
	// RegisterDoorbell arranges for fn to be called whenever the host
	// signals a peripheral-host-command event, with the window that was
	// written.
	RegisterDoorbell(fn func(win Window)) error
	// PostResult sends the out-of-band bus message carrying the response
	// result code, after the response has been written into the shared
	// window.
	PostResult(result uint16) error
}

// Backend is the shared-memory mailbox transport.
type Backend struct {
	bus    BusDriver
	window Window
	retry  backoff.BackOff
	rx     *transport.RxContext
	tx     *transport.TxContext
	logger *logging.Logger

	eventCount atomic.Uint64
}

// Config configures doorbell-registration retry, since some bus controllers
// are not immediately ready to accept a callback registration right after
// reset.
type Config struct {
	RegisterRetry backoff.BackOff
	Logger        *logging.Logger
}

// New binds a backend to the given bus driver and shared window.
func New(bus BusDriver, window Window, cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Backend{bus: bus, window: window, retry: cfg.RegisterRetry, logger: logger}
}

// Init implements transport.Transport: it registers the doorbell callback,
// retrying per cfg.RegisterRetry (three exponential-backoff retries when it
// is nil).
func (b *Backend) Init(rx *transport.RxContext, tx *transport.TxContext) error {
	if b.bus == nil {
		return transport.ErrDeviceNotReady
	}
	b.rx = rx
	b.tx = tx

	retry := b.retry
	if retry == nil {
		retry = backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
	}
	err := backoff.Retry(func() error {
		return b.bus.RegisterDoorbell(b.onDoorbell)
	}, retry)
	if err != nil {
		return fmt.Errorf("mailbox: %w: %v", transport.ErrDeviceNotReady, err)
	}
	return nil
}

// onDoorbell is the bus-event callback: it stages the raw window as
// rx.Scratch (never touching rx.Buf directly — the dispatcher's VALIDATE
// step does the copy-after-validate), records the reported length, and
// raises handler_owns. It must not be called again until dev_owns is next
// observed raised.
func (b *Backend) onDoorbell(win Window) {
	b.eventCount.Add(1)
	b.rx.TakeDevOwns()
	b.rx.Scratch = win
	b.rx.Len = len(win)
	b.rx.RaiseHandlerOwns()
}

// Send implements transport.Transport: it writes the response into the
// same shared window (tx and rx share memory on this backend) and posts
// the bus message carrying the result code.
func (b *Backend) Send(tx *transport.TxContext) error {
	if len(b.window) < tx.Len {
		return fmt.Errorf("mailbox: response of %d bytes exceeds window of %d", tx.Len, len(b.window))
	}
	copy(b.window, tx.Buf[:tx.Len])

	var result uint16
	if tx.Len >= 4 {
		result = uint16(tx.Buf[2]) | uint16(tx.Buf[3])<<8
	}
	if err := b.bus.PostResult(result); err != nil {
		return fmt.Errorf("mailbox: post result: %w", err)
	}
	return nil
}

// EventCount returns the number of doorbell events observed, for tests and
// diagnostics.
func (b *Backend) EventCount() uint64 {
	return b.eventCount.Load()
}

var _ transport.Transport = (*Backend)(nil)
