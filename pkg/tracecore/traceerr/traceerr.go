// Package traceerr realizes §7's error kinds as sentinel errors plus a
// *TraceError wrapper carrying provenance, exactly as the teacher declares
// typed sentinels (work.ErrJobNotFound, backend.ErrDoesNotExist) and wraps
// them with fmt.Errorf("...: %w", err) rather than panicking.
package traceerr

import (
	"errors"
	"fmt"

	"github.com/taskrt/tracecore/pkg/tracecore/external"
)

// Sentinel errors for the fatal and non-fatal kinds of §7. Callers should
// use errors.Is against these, not string comparison.
var (
	ErrTraceStructureViolation   = errors.New("tracecore: trace structure violation")
	ErrPartialMemoization        = errors.New("tracecore: partial memoization")
	ErrUnsupportedOpKind         = errors.New("tracecore: unsupported operation kind for memoization")
	ErrBlockingCallObserved      = errors.New("tracecore: blocking call observed during recording")
	ErrVirtualMappingObserved    = errors.New("tracecore: virtual mapping observed during recording")
	ErrNotSubsumed               = errors.New("tracecore: preconditions not subsumed by postconditions")
	ErrNotIndependent            = errors.New("tracecore: postconditions not independent of anticonditions")
	ErrPreconditionFailedAtReplay = errors.New("tracecore: precondition failed at replay")
)

// Kind classifies a *TraceError for callers that want to switch on it
// without string-matching the message.
type Kind int

const (
	KindTraceStructureViolation Kind = iota
	KindPartialMemoization
	KindUnsupportedOpKind
	KindBlockingCallObserved
	KindVirtualMappingObserved
	KindNotSubsumed
	KindNotIndependent
	KindPreconditionFailedAtReplay
)

// TraceError carries the provenance §7 requires fatal errors to report:
// the index involved, and (for structural violations) the recorded vs.
// observed operation kind.
type TraceError struct {
	Kind     Kind
	Index    int
	Recorded external.OpKind
	Observed external.OpKind
	Detail   string
	err      error
}

func (e *TraceError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (index %d): %s", e.err, e.Index, e.Detail)
	}
	return fmt.Sprintf("%s (index %d)", e.err, e.Index)
}

func (e *TraceError) Unwrap() error { return e.err }

// Fatal reports whether the error kind is fatal to the enclosing parent
// task (§7): every kind except PreconditionFailedAtReplay, which merely
// skips the template and falls back to recording.
func (e *TraceError) Fatal() bool {
	return e.Kind != KindPreconditionFailedAtReplay
}

// NewTraceStructureViolation builds the fatal error for an operation kind
// or region-count mismatch at a given index (§7).
func NewTraceStructureViolation(index int, recorded, observed external.OpKind, detail string) *TraceError {
	return &TraceError{
		Kind: KindTraceStructureViolation, Index: index,
		Recorded: recorded, Observed: observed, Detail: detail,
		err: ErrTraceStructureViolation,
	}
}

// NewPartialMemoization builds the fatal error for a gap in memoized
// indices: expected names the next contiguous index required, got names
// the index that was actually observed.
func NewPartialMemoization(expected, got uint64) *TraceError {
	return &TraceError{
		Kind: KindPartialMemoization, Index: int(got),
		Detail: fmt.Sprintf("expected next memoized index %d, observed %d", expected, got),
		err:    ErrPartialMemoization,
	}
}

// NewUnsupportedOpKind builds the fatal error for memoization requested on
// an op kind the template cannot record.
func NewUnsupportedOpKind(index int, kind external.OpKind) *TraceError {
	return &TraceError{
		Kind: KindUnsupportedOpKind, Index: index, Observed: kind,
		err: ErrUnsupportedOpKind,
	}
}

// NewPreconditionFailedAtReplay builds the non-fatal error for a failed
// test_require at replay time (§4.3, §7): the template is skipped, not
// aborted.
func NewPreconditionFailedAtReplay(index int, detail string) *TraceError {
	return &TraceError{
		Kind: KindPreconditionFailedAtReplay, Index: index, Detail: detail,
		err: ErrPreconditionFailedAtReplay,
	}
}

// NewNotSubsumed / NewNotIndependent build the non-replayable diagnostics of
// §4.3's IsReplayable, carrying the human-readable precondition
// description §7 asks for.
func NewNotSubsumed(detail string) *TraceError {
	return &TraceError{Kind: KindNotSubsumed, Index: -1, Detail: detail, err: ErrNotSubsumed}
}

func NewNotIndependent(detail string) *TraceError {
	return &TraceError{Kind: KindNotIndependent, Index: -1, Detail: detail, err: ErrNotIndependent}
}
