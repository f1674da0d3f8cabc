// Package coinswaperr defines the typed error kinds used across the
// coinswap roles, and the retry/abort policy attached to each kind.
package coinswaperr

import (
	"fmt"

	goerrors "github.com/go-errors/errors"
)

// Kind classifies an Error so that call sites can branch on failure
// category without inspecting the message text.
type Kind uint8

const (
	// KindNetwork covers I/O and timeout failures talking to a peer.
	KindNetwork Kind = iota

	// KindRPC covers failures returned by the blockchain node.
	KindRPC

	// KindProtocol covers peer misbehavior or a message arriving in the
	// wrong state.
	KindProtocol

	// KindWallet covers local wallet-state inconsistency.
	KindWallet

	// KindCrypto covers signature and key-arithmetic failures.
	KindCrypto
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindRPC:
		return "rpc"
	case KindProtocol:
		return "protocol"
	case KindWallet:
		return "wallet"
	case KindCrypto:
		return "crypto"
	default:
		return "unknown"
	}
}

// Error wraps a message and a Kind with a captured go-errors stack
// trace.
type Error struct {
	wrapped *goerrors.Error
	kind    Kind
}

// Error implements the error interface, delegating to the wrapped
// go-errors error.
func (e *Error) Error() string {
	return e.wrapped.Error()
}

// Unwrap allows errors.Unwrap/errors.As to see through to the wrapped
// go-errors error (and, through it, the original cause).
func (e *Error) Unwrap() error {
	return e.wrapped
}

// Kind returns the error's category.
func (e *Error) Kind() Kind {
	return e.kind
}

// Is reports whether e was constructed with the given kind.
func (e *Error) Is(kind Kind) bool {
	return e != nil && e.kind == kind
}

func wrap(kind Kind, err error) *Error {
	return &Error{
		wrapped: goerrors.Wrap(err, 1),
		kind:    kind,
	}
}

// New constructs a new Error of the given kind from a message.
func New(kind Kind, msg string) *Error {
	return wrap(kind, fmt.Errorf("%s", msg))
}

// Newf constructs a new Error of the given kind from a format string.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return wrap(kind, fmt.Errorf(format, args...))
}

// Network wraps err as a KindNetwork error.
func Network(err error) *Error { return wrap(KindNetwork, err) }

// RPC wraps err as a KindRPC error.
func RPC(err error) *Error { return wrap(KindRPC, err) }

// Protocol constructs a KindProtocol error carrying msg verbatim; several
// tests in this repo assert on this exact string, so callers must not
// decorate msg with extra context.
func Protocol(msg string) *Error {
	return New(KindProtocol, msg)
}

// Protocolf constructs a KindProtocol error from a format string.
func Protocolf(format string, args ...interface{}) *Error {
	return Newf(KindProtocol, format, args...)
}

// Wallet wraps err as a KindWallet error.
func Wallet(err error) *Error { return wrap(KindWallet, err) }

// Walletf constructs a KindWallet error from a format string.
func Walletf(format string, args ...interface{}) *Error {
	return Newf(KindWallet, format, args...)
}

// Crypto wraps err as a KindCrypto error.
func Crypto(err error) *Error { return wrap(KindCrypto, err) }

// Cryptof constructs a KindCrypto error from a format string.
func Cryptof(format string, args ...interface{}) *Error {
	return Newf(KindCrypto, format, args...)
}

// Retryable reports whether the call site should retry this error at all
// (Network and RPC only), per the §7 error-handling policy: Network/RPC
// get a bounded retry before the swap is aborted; Protocol aborts the hop
// immediately; Wallet/Crypto are fatal.
func Retryable(err error) bool {
	var ce *Error
	if !As(err, &ce) {
		return false
	}
	return ce.kind == KindNetwork || ce.kind == KindRPC
}

// Fatal reports whether err should terminate the process rather than just
// the in-flight swap.
func Fatal(err error) bool {
	var ce *Error
	if !As(err, &ce) {
		return false
	}
	return ce.kind == KindWallet || ce.kind == KindCrypto
}

// As is a small local helper (errors.As requires *Error to implement
// error, which it does via Error()) kept here so callers don't need to
// import both "errors" and this package just to unwrap a Kind.
func As(err error, target **Error) bool {
	for err != nil {
		if ce, ok := err.(*Error); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}
