package echost

import (
	"context"

	"github.com/behrlich/echost/internal/dispatch"
	"github.com/behrlich/echost/internal/registry"
	"github.com/behrlich/echost/transport/simulator"
)

// TestDispatcher wires a simulator transport to a Dispatcher and runs it in
// a background goroutine, exposing InjectRequest/InstallSendCallback for
// tests that want to exercise a registry end to end without a real
// transport.
type TestDispatcher struct {
	Sim        *simulator.Simulator
	Dispatcher *dispatch.Dispatcher
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewTestDispatcher freezes reg (if not already frozen) and starts a
// dispatcher against a fresh simulator transport.
func NewTestDispatcher(reg *registry.Registry) (*TestDispatcher, error) {
	sim := simulator.New()
	d, err := dispatch.New(dispatch.Config{Transport: sim, Registry: reg})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	td := &TestDispatcher{Sim: sim, Dispatcher: d, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(td.done)
		_ = d.Run(ctx)
	}()
	return td, nil
}

// Close stops the dispatcher loop and waits for it to exit.
func (td *TestDispatcher) Close() {
	td.cancel()
	<-td.done
}
