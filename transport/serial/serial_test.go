package serial

import (
	"io"
	"testing"
	"time"

	"github.com/behrlich/echost/internal/wire"
	"github.com/behrlich/echost/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort feeds the read loop from an in-process pipe and captures Send
// output, standing in for a tty device node.
type fakePort struct {
	rd *io.PipeReader
	wr *io.PipeWriter

	sent chan []byte
}

func newFakePort() *fakePort {
	rd, wr := io.Pipe()
	return &fakePort{rd: rd, wr: wr, sent: make(chan []byte, 4)}
}

func (p *fakePort) Read(b []byte) (int, error) { return p.rd.Read(b) }

func (p *fakePort) Write(b []byte) (int, error) {
	out := make([]byte, len(b))
	copy(out, b)
	p.sent <- out
	return len(b), nil
}

func (p *fakePort) Close() error { return p.rd.Close() }
func (p *fakePort) Fd() uintptr  { return 0 }

// feed writes bytes into the read loop as if the host had transmitted them.
func (p *fakePort) feed(t *testing.T, b []byte) {
	t.Helper()
	_, err := p.wr.Write(b)
	require.NoError(t, err)
}

func frame(cmdID uint16, payload []byte) []byte {
	buf := make([]byte, wire.HeaderSize+len(payload))
	wire.EncodeRequestHeader(buf, wire.RequestHeader{
		ProtocolVersion: wire.ProtocolVersion,
		CmdID:           cmdID,
		DataLen:         uint16(len(payload)),
	})
	copy(buf[wire.HeaderSize:], payload)
	buf[1] = wire.Checksum(buf)
	return buf
}

func recvFrame(t *testing.T, rx *transport.RxContext) []byte {
	t.Helper()
	done := make(chan []byte, 1)
	go func() {
		rx.WaitHandlerOwns()
		out := make([]byte, rx.Len)
		copy(out, rx.Buf[:rx.Len])
		done <- out
	}()
	select {
	case b := <-done:
		return b
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler_owns")
		return nil
	}
}

func TestReadLoopDeliversSingleFrame(t *testing.T) {
	port := newFakePort()
	b := New(port, Config{})
	rx, tx := transport.NewContexts(256)
	require.NoError(t, b.Init(rx, tx))
	defer func() { _ = b.Close() }()

	f := frame(0x10, []byte{0xAA, 0xBB})
	port.feed(t, f)

	got := recvFrame(t, rx)
	assert.Equal(t, f, got)
}

func TestReadLoopDeliversBackToBackFrames(t *testing.T) {
	port := newFakePort()
	b := New(port, Config{})
	rx, tx := transport.NewContexts(256)
	require.NoError(t, b.Init(rx, tx))
	defer func() { _ = b.Close() }()

	f1 := frame(0x10, nil)
	f2 := frame(0x11, []byte{0x01})
	port.feed(t, append(append([]byte{}, f1...), f2...))

	got := recvFrame(t, rx)
	assert.Equal(t, f1, got)

	// The backend may hand over the second frame only once dev_owns comes
	// back, mirroring the dispatcher's release after send.
	rx.RaiseDevOwns()
	got = recvFrame(t, rx)
	assert.Equal(t, f2, got)
}

func TestReadLoopDeliversFrameSplitAcrossReads(t *testing.T) {
	port := newFakePort()
	b := New(port, Config{})
	rx, tx := transport.NewContexts(256)
	require.NoError(t, b.Init(rx, tx))
	defer func() { _ = b.Close() }()

	f := frame(0x20, []byte{0xDE, 0xAD, 0xBE, 0xEF})
	port.feed(t, f[:3])
	port.feed(t, f[3:])

	got := recvFrame(t, rx)
	assert.Equal(t, f, got)
}

func TestSendWritesFrameToPort(t *testing.T) {
	port := newFakePort()
	b := New(port, Config{})
	rx, tx := transport.NewContexts(256)
	require.NoError(t, b.Init(rx, tx))
	defer func() { _ = b.Close() }()

	tx.Len = copy(tx.Buf, []byte{0x03, 0xFD, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
	require.NoError(t, b.Send(tx))

	select {
	case out := <-port.sent:
		assert.Equal(t, tx.Buf[:tx.Len], out)
	case <-time.After(time.Second):
		t.Fatal("send never reached the port")
	}
}

func TestInitWithoutPortNotReady(t *testing.T) {
	b := &Backend{stopChan: make(chan struct{}), doneChan: make(chan struct{})}
	rx, tx := transport.NewContexts(256)
	assert.ErrorIs(t, b.Init(rx, tx), transport.ErrDeviceNotReady)
}
