// Package simulator implements an in-process transport backend: a transport
// with no hardware behind it at all, offering InjectRequest and
// InstallSendCallback so tests and demos can drive the dispatcher end to
// end without real hardware.
package simulator

import (
	"sync"

	"github.com/behrlich/echost/transport"
)

// SendCallback observes a transmitted response frame.
type SendCallback func(frame []byte)

// Simulator is a Transport backend with no physical link: requests are fed
// in by tests via InjectRequest, and responses are observed via
// InstallSendCallback.
type Simulator struct {
	mu           sync.Mutex
	rx           *transport.RxContext
	tx           *transport.TxContext
	sendCallback SendCallback
	sendCount    int
	injectCount  int
}

// New returns an unbound simulator backend.
func New() *Simulator {
	return &Simulator{}
}

// Init implements transport.Transport. The simulator never fails Init.
func (s *Simulator) Init(rx *transport.RxContext, tx *transport.TxContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = rx
	s.tx = tx
	return nil
}

// Send implements transport.Transport: it copies the transmitted bytes out
// to the installed callback, if any, and counts the call. It does not raise
// dev_owns itself — per this module's chosen release discipline (documented
// in internal/dispatch), the dispatcher raises dev_owns after Send returns.
func (s *Simulator) Send(tx *transport.TxContext) error {
	s.mu.Lock()
	cb := s.sendCallback
	s.sendCount++
	frame := make([]byte, tx.Len)
	copy(frame, tx.Buf[:tx.Len])
	s.mu.Unlock()

	if cb != nil {
		cb(frame)
	}
	return nil
}

// InjectRequest feeds bytes into rx.Buf as if a host had written them, sets
// rx.Len, and raises handler_owns. It blocks until dev_owns is available
// (i.e. the dispatcher is ready for a new request), mirroring how a real
// backend must wait its turn.
func (s *Simulator) InjectRequest(data []byte) {
	s.mu.Lock()
	rx := s.rx
	s.injectCount++
	s.mu.Unlock()

	rx.TakeDevOwns()
	n := copy(rx.Buf, data)
	rx.Len = n
	rx.RaiseHandlerOwns()
}

// InstallSendCallback registers fn to be invoked with every transmitted
// response frame.
func (s *Simulator) InstallSendCallback(fn SendCallback) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendCallback = fn
}

// Counts returns the number of InjectRequest/Send calls observed so far, for
// test assertions.
func (s *Simulator) Counts() (injects, sends int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.injectCount, s.sendCount
}

var _ transport.Transport = (*Simulator)(nil)
