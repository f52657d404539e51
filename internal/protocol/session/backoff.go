package session

import (
	"errors"
	"io"
	"net"
	"time"
)

// CloseCause classifies why a connection ended.
type CloseCause int

const (
	// CauseClosed is an orderly end of stream or a close we initiated.
	CauseClosed CloseCause = iota
	// CauseError is a dial failure or an I/O error.
	CauseError
)

func (c CloseCause) String() string {
	if c == CauseError {
		return "error"
	}
	return "close"
}

// ClassifyClose maps a read-loop error to a cause. End of stream and reads
// on a connection we closed ourselves count as graceful.
func ClassifyClose(err error) CloseCause {
	switch {
	case err == nil,
		errors.Is(err, io.EOF),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, io.ErrClosedPipe):
		return CauseClosed
	default:
		return CauseError
	}
}

// ReconnectDelay returns the wait before the next connect attempt.
func ReconnectDelay(cfg BackoffConfig, cause CloseCause) time.Duration {
	if cause == CauseError {
		return cfg.AfterError
	}
	return cfg.AfterClose
}
