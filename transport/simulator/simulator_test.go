package simulator

import (
	"testing"
	"time"

	"github.com/behrlich/echost/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInjectRequestDeliversIntoRxBuf(t *testing.T) {
	sim := New()
	rx, tx := transport.NewContexts(256)
	require.NoError(t, sim.Init(rx, tx))

	data := []byte{0x03, 0xAA, 0x10, 0x00, 0x00, 0x00, 0x00, 0x00}
	go sim.InjectRequest(data)

	select {
	case <-waitHandlerOwns(rx):
	case <-time.After(time.Second):
		t.Fatal("handler_owns was never raised")
	}
	assert.Equal(t, data, rx.Buf[:len(data)])
}

func waitHandlerOwns(rx *transport.RxContext) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		rx.WaitHandlerOwns()
		close(done)
	}()
	return done
}

func TestInstallSendCallbackObservesFrame(t *testing.T) {
	sim := New()
	rx, tx := transport.NewContexts(256)
	require.NoError(t, sim.Init(rx, tx))

	received := make(chan []byte, 1)
	sim.InstallSendCallback(func(frame []byte) { received <- frame })

	tx.Len = copy(tx.Buf, []byte{1, 2, 3})
	require.NoError(t, sim.Send(tx))

	select {
	case frame := <-received:
		assert.Equal(t, []byte{1, 2, 3}, frame)
	case <-time.After(time.Second):
		t.Fatal("send callback never fired")
	}

	injects, sends := sim.Counts()
	assert.Equal(t, 0, injects)
	assert.Equal(t, 1, sends)
}
