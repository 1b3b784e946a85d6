package rpcpool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// TransportKind classifies infrastructure failures that justify demoting an
// endpoint and rotating to the next one.
type TransportKind int

const (
	TransportTimeout TransportKind = iota
	TransportRateLimited
	TransportConnectionReset
	TransportOther
)

func (k TransportKind) String() string {
	switch k {
	case TransportTimeout:
		return "timeout"
	case TransportRateLimited:
		return "rate_limited"
	case TransportConnectionReset:
		return "connection_reset"
	default:
		return "other"
	}
}

// TransportError wraps a network-level failure. The pool retries these on a
// different endpoint.
type TransportError struct {
	Kind     TransportKind
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error (%s) on %s: %v", e.Kind, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// CallError wraps an application-level revert. The endpoint is fine; the
// call itself failed. Never retried, never penalizes the endpoint.
type CallError struct {
	Err error
}

func (e *CallError) Error() string { return fmt.Sprintf("call reverted: %v", e.Err) }

func (e *CallError) Unwrap() error { return e.Err }

// ErrPoolExhausted is returned once every retry attempt has failed.
var ErrPoolExhausted = errors.New("rpc pool: all retry attempts exhausted")

var revertMarkers = []string{
	"execution reverted",
	"revert",
	"invalid opcode",
	"out of gas",
}

var timeoutMarkers = []string{
	"timeout",
	"timed out",
	"deadline exceeded",
}

var rateLimitMarkers = []string{
	"429",
	"too many requests",
	"rate limit",
	"request limit",
	"capacity exceeded",
}

var resetMarkers = []string{
	"connection reset",
	"connection refused",
	"broken pipe",
	"EOF",
	"use of closed network connection",
}

// Classify maps a raw RPC error onto the pool's taxonomy. Typed checks
// first; geth surfaces most provider failures as strings, so marker
// matching is the fallback at this one boundary.
func Classify(endpoint string, err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	for _, m := range revertMarkers {
		if strings.Contains(msg, m) {
			return &CallError{Err: err}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return &TransportError{Kind: TransportTimeout, Endpoint: endpoint, Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &TransportError{Kind: TransportTimeout, Endpoint: endpoint, Err: err}
	}

	for _, m := range timeoutMarkers {
		if strings.Contains(msg, m) {
			return &TransportError{Kind: TransportTimeout, Endpoint: endpoint, Err: err}
		}
	}
	for _, m := range rateLimitMarkers {
		if strings.Contains(msg, m) {
			return &TransportError{Kind: TransportRateLimited, Endpoint: endpoint, Err: err}
		}
	}
	for _, m := range resetMarkers {
		if strings.Contains(msg, strings.ToLower(m)) {
			return &TransportError{Kind: TransportConnectionReset, Endpoint: endpoint, Err: err}
		}
	}

	return &TransportError{Kind: TransportOther, Endpoint: endpoint, Err: err}
}
