package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
)

// MaxFrameSize bounds a single frame; larger frames are rejected on both the
// send and receive path to guard against absurd length prefixes from a
// misbehaving peer.
const MaxFrameSize = 1 << 24

var errFrameSize = errors.New("transport: invalid frame size")

// WriteFrame writes one length-prefixed frame (u32 LE) and flushes.
func WriteFrame(bw *bufio.Writer, b []byte) error {
	if len(b) > MaxFrameSize {
		return errFrameSize
	}
	var lenbuf [4]byte
	binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(b)))
	if _, err := bw.Write(lenbuf[:]); err != nil {
		return err
	}
	if _, err := bw.Write(b); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadFrame reads one length-prefixed frame (u32 LE).
func ReadFrame(br *bufio.Reader) ([]byte, error) {
	var lenbuf [4]byte
	if _, err := io.ReadFull(br, lenbuf[:]); err != nil {
		return nil, err
	}
	n := int(binary.LittleEndian.Uint32(lenbuf[:]))
	if n < 0 || n > MaxFrameSize {
		return nil, errFrameSize
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(br, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
