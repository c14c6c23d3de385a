package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"os"
	"time"
)

// DefaultMaxFrameSize bounds one frame's payload so a corrupt header cannot
// force a huge allocation.
const DefaultMaxFrameSize = 64 << 20 // 64 MiB

var (
	ErrFrameTooLarge = errors.New("transport: frame too large")
	ErrNoDeadline    = errors.New("transport: stream does not support deadlines")
)

const headerLen = 4

// framer reads and writes frames laid out as [uint32 LE length][payload].
// Deadlines work only when the underlying stream supports them, as every
// net.Conn does.
type framer struct {
	r          *bufio.Reader
	w          *bufio.Writer
	maxPayload int
	readDL     interface{ SetReadDeadline(time.Time) error }
	writeDL    interface{ SetWriteDeadline(time.Time) error }
}

func newFramer(r io.Reader, w io.Writer, maxPayload int) *framer {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxFrameSize
	}
	f := &framer{r: bufio.NewReader(r), w: bufio.NewWriter(w), maxPayload: maxPayload}
	f.readDL, _ = r.(interface{ SetReadDeadline(time.Time) error })
	f.writeDL, _ = w.(interface{ SetWriteDeadline(time.Time) error })
	return f
}

// read reads one whole frame. A zero deadline waits indefinitely.
func (f *framer) read(deadline time.Time) ([]byte, error) {
	if !deadline.IsZero() {
		if f.readDL == nil {
			return nil, ErrNoDeadline
		}
		if err := f.readDL.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		defer f.readDL.SetReadDeadline(time.Time{})
	}
	var hdr [headerLen]byte
	if _, err := io.ReadFull(f.r, hdr[:]); err != nil {
		return nil, err
	}
	return f.payload(hdr)
}

// peek blocks until the next frame starts arriving, without consuming it.
func (f *framer) peek() error {
	_, err := f.r.Peek(1)
	return err
}

// readProgress waits for the first byte of a frame without a deadline, then
// requires the rest of the frame within timeout. Idle time between frames is
// never a failure. A non-positive timeout disables the bound.
func (f *framer) readProgress(timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		return f.read(time.Time{})
	}
	var hdr [headerLen]byte
	if _, err := io.ReadFull(f.r, hdr[:1]); err != nil {
		return nil, err
	}
	if f.readDL == nil {
		return nil, ErrNoDeadline
	}
	if err := f.readDL.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}
	defer f.readDL.SetReadDeadline(time.Time{})
	if _, err := io.ReadFull(f.r, hdr[1:]); err != nil {
		return nil, err
	}
	return f.payload(hdr)
}

func (f *framer) payload(hdr [headerLen]byte) ([]byte, error) {
	n := binary.LittleEndian.Uint32(hdr[:])
	if uint64(n) > uint64(f.maxPayload) {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(f.r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return buf, nil
}

// write writes and flushes one frame. A zero deadline waits indefinitely.
func (f *framer) write(payload []byte, deadline time.Time) error {
	if uint64(len(payload)) > uint64(f.maxPayload) {
		return ErrFrameTooLarge
	}
	if !deadline.IsZero() {
		if f.writeDL == nil {
			return ErrNoDeadline
		}
		if err := f.writeDL.SetWriteDeadline(deadline); err != nil {
			return err
		}
		defer f.writeDL.SetWriteDeadline(time.Time{})
	}
	var hdr [headerLen]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := f.w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := f.w.Write(payload); err != nil {
		return err
	}
	return f.w.Flush()
}

// IsTimeout reports whether err is a deadline expiry from a net.Conn.
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
