package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Wire layout, big-endian:
//
//	0  flag          1
//	1  version       1
//	2  length        4   bytes after this field
//	6  app_id        4
//	10 service_id    4
//	14 request_id    4
//	18 admin_id      4
//	22 context_len   1
//	23 context       context_len
//	.. body          remaining
const (
	Version byte = 1

	FlagResultMode byte = 0x02
	FlagFinish     byte = 0x04

	PrefixLen      = 6
	HeaderTailLen  = 17
	FixedHeaderLen = PrefixLen + HeaderTailLen

	// MinDecodeLen is the shortest input Decode will look at.
	MinDecodeLen = 20
	MaxContext   = 255
)

var (
	ErrTooShort           = errors.New("frame: input too short")
	ErrUnsupportedVersion = errors.New("frame: unsupported version")
	ErrTruncated          = errors.New("frame: truncated header or context")
	ErrLengthMismatch     = errors.New("frame: length field does not match frame size")
	ErrContextTooLarge    = errors.New("frame: context exceeds 255 bytes")
	ErrBodyTooLarge       = errors.New("frame: body too large")
	ErrFrameTooLarge      = errors.New("frame: frame too large")
)

// IsMalformed reports whether err means the peer sent bytes that are not a
// valid frame, as opposed to a transport failure.
func IsMalformed(err error) bool {
	return errors.Is(err, ErrTooShort) ||
		errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrLengthMismatch) ||
		errors.Is(err, ErrFrameTooLarge)
}

// Frame is one complete wire message.
type Frame struct {
	Flag      byte
	Version   byte
	Length    uint32
	AppID     uint32
	ServiceID uint32
	RequestID uint32
	AdminID   uint32
	Context   []byte
	Body      []byte
}

// Limits constrains frame memory use.
type Limits struct {
	MaxFrame int
}

func DefaultLimits() Limits {
	return Limits{MaxFrame: 16 * 1024 * 1024}
}

func (f Frame) HasFlag(flag byte) bool {
	return f.Flag&flag != 0
}

func (f Frame) IsResult() bool {
	return f.HasFlag(FlagResultMode)
}

// Size is the total encoded size of f.
func (f Frame) Size() int {
	return FixedHeaderLen + len(f.Context) + len(f.Body)
}

// Decode parses one complete frame. Context and Body alias b.
func Decode(b []byte) (Frame, error) {
	if len(b) < MinDecodeLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTooShort, len(b))
	}
	if b[1] != Version {
		return Frame{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, b[1])
	}
	if len(b) < FixedHeaderLen {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrTruncated, len(b))
	}

	length := binary.BigEndian.Uint32(b[2:6])
	if uint64(length) != uint64(len(b)-PrefixLen) {
		return Frame{}, fmt.Errorf("%w: length=%d frame=%d", ErrLengthMismatch, length, len(b))
	}

	ctxLen := int(b[22])
	if FixedHeaderLen+ctxLen > len(b) {
		return Frame{}, fmt.Errorf("%w: context_len=%d frame=%d", ErrTruncated, ctxLen, len(b))
	}

	return Frame{
		Flag:      b[0],
		Version:   b[1],
		Length:    length,
		AppID:     binary.BigEndian.Uint32(b[6:10]),
		ServiceID: binary.BigEndian.Uint32(b[10:14]),
		RequestID: binary.BigEndian.Uint32(b[14:18]),
		AdminID:   binary.BigEndian.Uint32(b[18:22]),
		Context:   b[FixedHeaderLen : FixedHeaderLen+ctxLen],
		Body:      b[FixedHeaderLen+ctxLen:],
	}, nil
}

// Encode writes f as a response frame. Result-mode and finish are always
// set; responses are never streamed.
func Encode(f Frame) ([]byte, error) {
	f.Flag |= FlagResultMode | FlagFinish
	return f.MarshalBinary()
}

// MarshalBinary writes f with its flag byte untouched. Version and Length
// are derived, not taken from f.
func (f Frame) MarshalBinary() ([]byte, error) {
	if len(f.Context) > MaxContext {
		return nil, fmt.Errorf("%w: %d", ErrContextTooLarge, len(f.Context))
	}
	length := uint64(HeaderTailLen + len(f.Context) + len(f.Body))
	if length > uint64(^uint32(0)) {
		return nil, fmt.Errorf("%w: %d", ErrBodyTooLarge, len(f.Body))
	}

	buf := make([]byte, FixedHeaderLen, f.Size())
	buf[0] = f.Flag
	buf[1] = Version
	binary.BigEndian.PutUint32(buf[2:6], uint32(length))
	binary.BigEndian.PutUint32(buf[6:10], f.AppID)
	binary.BigEndian.PutUint32(buf[10:14], f.ServiceID)
	binary.BigEndian.PutUint32(buf[14:18], f.RequestID)
	binary.BigEndian.PutUint32(buf[18:22], f.AdminID)
	buf[22] = byte(len(f.Context))
	buf = append(buf, f.Context...)
	buf = append(buf, f.Body...)
	return buf, nil
}

// Reply builds the response to req carrying body. Correlation ids and the
// context blob are copied from req unchanged.
func Reply(req Frame, body []byte) Frame {
	return Frame{
		Flag:      req.Flag,
		Version:   Version,
		AppID:     req.AppID,
		ServiceID: req.ServiceID,
		RequestID: req.RequestID,
		AdminID:   req.AdminID,
		Context:   req.Context,
		Body:      body,
	}
}
