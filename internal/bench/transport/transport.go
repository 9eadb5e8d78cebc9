// Package transport defines the non-blocking stream contract the connection
// state machine is written against, and ships a TCP implementation of it.
//
// The contract mirrors a readiness-driven event loop: Recv and Send never
// block and report ErrWouldBlock when they cannot make progress, and Wait is
// the single blocking call, returning which readiness conditions hold.
// All methods of a Conn are called from one goroutine.
package transport

import (
	"context"
	"errors"
	"strings"
	"time"
)

var (
	// ErrWouldBlock reports that the call could not make progress now.
	ErrWouldBlock = errors.New("transport: would block")

	// ErrClosed is returned after Close or once the peer hung up.
	ErrClosed = errors.New("transport: connection closed")
)

// Reason is a bit set of readiness conditions returned by Wait.
type Reason uint8

const (
	Readable Reason = 1 << iota
	Writable
	Closed
)

// Has reports whether all bits of want are set in r.
func (r Reason) Has(want Reason) bool { return r&want == want }

func (r Reason) String() string {
	if r == 0 {
		return "none"
	}
	var parts []string
	if r&Readable != 0 {
		parts = append(parts, "readable")
	}
	if r&Writable != 0 {
		parts = append(parts, "writable")
	}
	if r&Closed != 0 {
		parts = append(parts, "closed")
	}
	return strings.Join(parts, "|")
}

// Conn is a non-blocking byte stream.
type Conn interface {
	// Recv copies buffered input into p. It returns ErrWouldBlock when no
	// input is buffered and a terminal error once the stream has failed.
	Recv(p []byte) (int, error)

	// Send copies up to len(p) bytes into the transmit window.
	Send(p []byte) (int, error)

	// SendZC queues up to len(p) bytes without copying them. The transport
	// keeps a reference to the accepted prefix of p until it calls done,
	// which happens on the caller's goroutine from inside Wait or Close.
	SendZC(p []byte, done func()) (int, error)

	// Wait blocks until a readiness condition holds, the timeout elapses
	// (returning 0), or ctx is cancelled. A negative timeout waits forever.
	Wait(ctx context.Context, timeout time.Duration) (Reason, error)

	// Close tears the stream down. It returns only after every pending
	// SendZC callback has been invoked.
	Close() error
}

// Dialer opens Conns.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}
