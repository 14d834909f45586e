package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxDatagram is the largest payload a frame can carry.
const MaxDatagram = 65535

// ErrFrameTooLarge is returned when a datagram does not fit a frame.
var ErrFrameTooLarge = errors.New("datagram too large for frame")

// WriteFrame writes p as a UDP datagram frame: a 2-byte big-endian length
// followed by the payload.
func WriteFrame(w io.Writer, p []byte) error {
	if len(p) > MaxDatagram {
		return ErrFrameTooLarge
	}
	buf := make([]byte, 2+len(p))
	binary.BigEndian.PutUint16(buf, uint16(len(p)))
	copy(buf[2:], p)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one datagram frame written by WriteFrame.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint16(hdr[:])
	p := make([]byte, n)
	if _, err := io.ReadFull(r, p); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}
	return p, nil
}
