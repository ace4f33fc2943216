// Package transport defines the abstract contract every Host Command
// transport backend must satisfy: Init binds the backend to a pair of rx/tx
// contexts, Send transmits a built response, and a separate ownership-token
// discipline (not a method — a protocol both sides follow) serializes
// access to the rx buffer between the backend and the dispatcher.
//
// dev_owns/handler_owns are rendered as a pair of capacity-1 channels: at
// most one token is ever "in" a channel's buffer, and possession of the
// token IS ownership, which is the idiomatic Go rendition of a binary
// semaphore pair and keeps the two-token alternation invariant enforced at
// run time (blocking channel operations, and a panic on a second raise of a
// token that is already held) rather than by convention. There is exactly one rx/tx
// pair per transport instance and therefore exactly one state bit each way.
package transport

import (
	"fmt"

	"github.com/behrlich/echost/internal/wire"
)

// RxContext is owned by the dispatcher and lent to the transport backend
// for the duration of a dev_owns interval.
type RxContext struct {
	// Buf is sized to at least wire.MinBufferSize. The transport must never
	// read Buf — it is write-only from the transport's perspective, so that
	// a prior response's bytes never leak back to the host.
	Buf []byte

	// Scratch is non-nil only for backends that share memory with the host
	// and must stage bytes for copy-after-validate. Nil for backends that
	// write directly into Buf.
	Scratch []byte

	// Len is the number of bytes the backend reports as received.
	Len int

	devOwns     chan struct{}
	handlerOwns chan struct{}
}

// TxContext is owned by the dispatcher.
type TxContext struct {
	// Buf is 8-byte aligned and at least wire.MinBufferSize.
	Buf []byte
	// LenMax is Buf's usable capacity.
	LenMax int
	// Len is the number of bytes to transmit; set before calling Send.
	Len int
}

// NewContexts allocates an rx/tx context pair sized to bufSize (rounded up
// to wire.MinBufferSize) with dev_owns raised and handler_owns lowered,
// ready for a backend to write the first request into.
func NewContexts(bufSize int) (*RxContext, *TxContext) {
	if bufSize < wire.MinBufferSize {
		bufSize = wire.MinBufferSize
	}
	rx := &RxContext{
		Buf:         make([]byte, bufSize),
		devOwns:     make(chan struct{}, 1),
		handlerOwns: make(chan struct{}, 1),
	}
	rx.devOwns <- struct{}{}
	tx := &TxContext{
		Buf:    make([]byte, bufSize),
		LenMax: bufSize,
	}
	return rx, tx
}

// TakeDevOwns blocks until dev_owns is raised, then takes it (lowering it).
// Backends call this before writing a new request into Rx.
func (rx *RxContext) TakeDevOwns() {
	<-rx.devOwns
}

// TryTakeDevOwns attempts to take dev_owns without blocking.
func (rx *RxContext) TryTakeDevOwns() bool {
	select {
	case <-rx.devOwns:
		return true
	default:
		return false
	}
}

// RaiseHandlerOwns hands ownership of Rx to the dispatcher. The backend
// must not touch Rx again until it next observes dev_owns raised.
func (rx *RxContext) RaiseHandlerOwns() {
	select {
	case rx.handlerOwns <- struct{}{}:
	default:
		panic("transport: handler_owns raised while already held — ownership alternation violated")
	}
}

// WaitHandlerOwns blocks with no timeout until handler_owns is raised, then
// takes it. This is the dispatcher's WAIT_RX state.
func (rx *RxContext) WaitHandlerOwns() {
	<-rx.handlerOwns
}

// RaiseDevOwns returns ownership of Rx to the backend. The dispatcher calls
// this once Send has returned, whether or not it succeeded. Backends never
// call it, so dev_owns is released in exactly one place.
func (rx *RxContext) RaiseDevOwns() {
	select {
	case rx.devOwns <- struct{}{}:
	default:
		panic("transport: dev_owns raised while already held — ownership alternation violated")
	}
}

// OwnershipState reports which token is currently held, for tests asserting
// the ownership-alternation invariant: exactly one of DevOwns/HandlerOwns is
// true at any observable moment.
type OwnershipState struct {
	DevOwns     bool
	HandlerOwns bool
}

// Observe is a best-effort, non-blocking snapshot of ownership state. It is
// intended for tests between synchronization points, not for production
// control flow (the real handoff happens via Take/Wait/Raise above).
func (rx *RxContext) Observe() OwnershipState {
	var s OwnershipState
	select {
	case tok := <-rx.devOwns:
		s.DevOwns = true
		rx.devOwns <- tok
	default:
	}
	select {
	case tok := <-rx.handlerOwns:
		s.HandlerOwns = true
		rx.handlerOwns <- tok
	default:
	}
	return s
}

// Transport is the abstract contract every backend implements.
type Transport interface {
	// Init binds the backend to rx/tx and arranges that future host
	// transmissions land in rx and raise handler_owns. tx.Buf and tx.LenMax
	// arrive already allocated by NewContexts; the backends in this module
	// leave them as they are and do not point them at a region of their own.
	// May return ErrDeviceNotReady.
	Init(rx *RxContext, tx *TxContext) error

	// Send transmits tx.Buf[:tx.Len] to the host. It does not raise dev_owns:
	// the dispatcher does that once Send returns, whether or not it succeeded.
	Send(tx *TxContext) error
}

// ErrDeviceNotReady is returned by Init when the backend's hardware or
// simulated peer is not ready to bind.
var ErrDeviceNotReady = fmt.Errorf("transport: device not ready")
