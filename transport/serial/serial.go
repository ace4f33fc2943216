// Package serial implements the byte-oriented serial transport backend: it
// accumulates incoming bytes until a complete framed request is seen
// (length taken from the header once enough bytes have arrived to read
// it), copies the frame into rx.Buf, and raises handler_owns.
//
// A background read loop appends newly read bytes to a FIFO, then a parser
// walks it looking for a complete frame. Framing is derived purely from the
// 8-byte header's declared length, so there is no sync byte to hunt for —
// a checksum mismatch simply means the dispatcher will reject the frame
// with INVALID_CHECKSUM once it reaches VALIDATE, so this backend
// resynchronizes only on a header whose declared length is absurd (larger
// than the rx buffer), which can only mean the byte stream has slipped.
package serial

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/behrlich/echost/internal/logging"
	"github.com/behrlich/echost/internal/wire"
	"github.com/behrlich/echost/transport"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sys/unix"
)

// Port is the subset of a tty file this backend needs; satisfied by
// *os.File opened on a serial device node.
type Port interface {
	io.ReadWriteCloser
	Fd() uintptr
}

// Backend is the byte-oriented serial transport.
type Backend struct {
	port   Port
	rx     *transport.RxContext
	tx     *transport.TxContext
	logger *logging.Logger

	accum    []byte
	stopChan chan struct{}
	doneChan chan struct{}
}

// Config configures the serial backend's termios settings and open retry.
type Config struct {
	BaudRate  uint32
	OpenRetry backoff.BackOff
	Logger    *logging.Logger
}

// New wraps an already-open Port. Use Open to also configure termios on a
// path.
func New(port Port, cfg Config) *Backend {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	return &Backend{
		port:     port,
		logger:   logger,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

// Open opens path as a raw-mode serial port, retrying with cfg.OpenRetry if
// the device is not yet present (a common condition right after a USB
// serial adapter enumerates).
func Open(ctx context.Context, path string, cfg Config) (*Backend, error) {
	retry := cfg.OpenRetry
	if retry == nil {
		retry = backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	}

	var f *portFile
	err := backoff.Retry(func() error {
		var openErr error
		f, openErr = openRaw(path, cfg.BaudRate)
		return openErr
	}, backoff.WithContext(retry, ctx))
	if err != nil {
		return nil, fmt.Errorf("serial: open %s: %w", path, err)
	}
	return New(f, cfg), nil
}

// Init implements transport.Transport: it starts the background read loop
// that assembles frames and hands them to rx.
func (b *Backend) Init(rx *transport.RxContext, tx *transport.TxContext) error {
	if b.port == nil {
		return transport.ErrDeviceNotReady
	}
	b.rx = rx
	b.tx = tx
	go b.readLoop()
	return nil
}

// Send implements transport.Transport: it writes tx.Buf[:tx.Len] to the
// port. It does not raise dev_owns itself — the dispatcher does that once
// Send returns, regardless of whether it succeeded.
func (b *Backend) Send(tx *transport.TxContext) error {
	n, err := b.port.Write(tx.Buf[:tx.Len])
	if err != nil {
		return fmt.Errorf("serial: write: %w", err)
	}
	if n != tx.Len {
		return fmt.Errorf("serial: short write: %d/%d bytes", n, tx.Len)
	}
	return nil
}

// Close stops the read loop and closes the underlying port. The port is
// closed before waiting so a read loop blocked in Read unblocks.
func (b *Backend) Close() error {
	close(b.stopChan)
	err := b.port.Close()
	<-b.doneChan
	return err
}

func (b *Backend) readLoop() {
	defer close(b.doneChan)
	buf := make([]byte, 256)
	for {
		select {
		case <-b.stopChan:
			return
		default:
		}

		n, err := b.port.Read(buf)
		if err != nil {
			select {
			case <-b.stopChan:
				return
			default:
			}
			if err == io.EOF {
				return
			}
			b.logger.Warnf("serial: read error: %v", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if n == 0 {
			continue
		}
		b.accum = append(b.accum, buf[:n]...)
		b.drainFrames()
	}
}

// drainFrames pulls complete frames out of b.accum, one at a time, copying
// each into rx.Buf and raising handler_owns. It blocks (within this single
// reader goroutine) until dev_owns is available for each frame, so frames
// are handed to the dispatcher strictly one at a time.
func (b *Backend) drainFrames() {
	for {
		if len(b.accum) < wire.HeaderSize {
			return
		}
		hdr := wire.DecodeRequestHeader(b.accum[:wire.HeaderSize])
		frameLen := wire.HeaderSize + int(hdr.DataLen)
		if frameLen > len(b.rx.Buf) {
			// The declared length can't possibly be a real frame for this
			// buffer size; the byte stream has desynchronized. Drop one byte
			// and try again.
			b.accum = b.accum[1:]
			continue
		}
		if len(b.accum) < frameLen {
			return
		}

		b.rx.TakeDevOwns()
		n := copy(b.rx.Buf, b.accum[:frameLen])
		b.rx.Len = n
		b.rx.RaiseHandlerOwns()

		b.accum = b.accum[frameLen:]
	}
}

// portFile adapts an opened serial device node to the Port interface.
type portFile struct {
	*os.File
}

func openRaw(path string, baud uint32) (*portFile, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_NOCTTY, 0)
	if err != nil {
		return nil, err
	}

	termios, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: get termios: %w", err)
	}
	cfmakeraw(termios)
	if baud != 0 {
		setSpeed(termios, baud)
	}
	if err := unix.IoctlSetTermios(fd, unix.TCSETS, termios); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("serial: set termios: %w", err)
	}

	return &portFile{File: os.NewFile(uintptr(fd), path)}, nil
}

// setSpeed maps a handful of common baud rates to the termios Bxxx
// constant; unsupported rates are left at whatever the device default is.
func setSpeed(t *unix.Termios, baud uint32) {
	var speed uint32
	switch baud {
	case 9600:
		speed = unix.B9600
	case 19200:
		speed = unix.B19200
	case 38400:
		speed = unix.B38400
	case 57600:
		speed = unix.B57600
	case 115200:
		speed = unix.B115200
	default:
		return
	}
	t.Ispeed = speed
	t.Ospeed = speed
}

// cfmakeraw mirrors glibc's cfmakeraw: disable all line-discipline
// processing so bytes pass through untouched, which this protocol's binary
// framing requires.
func cfmakeraw(t *unix.Termios) {
	t.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON
	t.Oflag &^= unix.OPOST
	t.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	t.Cflag &^= unix.CSIZE | unix.PARENB
	t.Cflag |= unix.CS8
	t.Cc[unix.VMIN] = 1
	t.Cc[unix.VTIME] = 0
}
