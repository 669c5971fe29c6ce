// Package oxenerr collects the engine's four error categories as sentinel
// values, so every subsystem reports failures the same way and callers can
// classify them with errors.Is rather than string matching.
package oxenerr

import "errors"

// The four categorical error kinds, one sentinel each. Kinds are surfaced
// categorically, not as distinct Go error types, since callers only ever
// need to branch on which of the four applies.
var (
	// ErrDecode: malformed parcel bytes, unsorted dict keys, unknown
	// body, missing required field. The offending datagram is discarded
	// silently (logged); never user-visible. Decoding checks no size limit,
	// so an oversize parcel does not by itself produce this error.
	ErrDecode = errors.New("oxen: decode error")

	// ErrProtocol: a well-formed parcel violating stream semantics. The
	// parcel is still acked (to prevent retransmit storms); an error
	// event is logged, but no user event is raised.
	ErrProtocol = errors.New("oxen: protocol error")

	// ErrRoutingUnavailable: route(dest) found no usable path. The
	// parcel is still emitted on the best direct link as best-effort.
	ErrRoutingUnavailable = errors.New("oxen: routing unavailable")

	// ErrGivenUpDrop: a parcel to/from a peer that has been given up on.
	// Silently dropped.
	ErrGivenUpDrop = errors.New("oxen: peer given up, dropping")
)

// Wrap annotates a sentinel Kind with context, while keeping it
// errors.Is-comparable to the Kind.
func Wrap(kind error, context string) error {
	return &wrapped{kind: kind, context: context}
}

type wrapped struct {
	kind    error
	context string
}

func (w *wrapped) Error() string { return w.context + ": " + w.kind.Error() }
func (w *wrapped) Unwrap() error { return w.kind }
func (w *wrapped) Is(target error) bool {
	return target == w.kind
}
