package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Reader splits a byte stream into frames on length boundaries. A frame
// may arrive across any number of reads, and one read may carry several
// frames.
type Reader struct {
	r      *bufio.Reader
	limits Limits
}

func NewReader(r io.Reader, limits Limits) *Reader {
	if limits.MaxFrame <= 0 {
		limits = DefaultLimits()
	}
	return &Reader{r: bufio.NewReader(r), limits: limits}
}

// ReadFrame blocks until one full frame is available. A clean end of
// stream before any prefix byte returns io.EOF; a stream cut inside a
// frame returns io.ErrUnexpectedEOF.
func (fr *Reader) ReadFrame() (Frame, error) {
	var prefix [PrefixLen]byte
	if _, err := io.ReadFull(fr.r, prefix[:]); err != nil {
		return Frame{}, err
	}
	if prefix[1] != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, prefix[1])
	}

	length := binary.BigEndian.Uint32(prefix[2:6])
	if length < HeaderTailLen {
		return Frame{}, fmt.Errorf("%w: length=%d", ErrTooShort, length)
	}
	if uint64(length)+PrefixLen > uint64(fr.limits.MaxFrame) {
		return Frame{}, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, uint64(length)+PrefixLen, fr.limits.MaxFrame)
	}

	buf := make([]byte, PrefixLen+int(length))
	copy(buf, prefix[:])
	if _, err := io.ReadFull(fr.r, buf[PrefixLen:]); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, err
	}
	return Decode(buf)
}
