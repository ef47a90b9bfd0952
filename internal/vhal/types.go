package vhal

import (
	"context"
	"errors"
	"fmt"
)

// Watchdog vehicle properties.
const (
	PropWatchdogAlive             int32 = 290459441
	PropWatchdogTerminatedProcess int32 = 299896626
	PropVhalHeartbeat             int32 = 290459443
)

// StatusCode is the result status of one property request.
type StatusCode int32

const (
	StatusOK StatusCode = iota
	StatusTryAgain
	StatusInvalidArg
	StatusNotAvailable
	StatusAccessDenied
	StatusInternalError
)

// String returns the upper-case status name.
func (s StatusCode) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusTryAgain:
		return "TRY_AGAIN"
	case StatusInvalidArg:
		return "INVALID_ARG"
	case StatusNotAvailable:
		return "NOT_AVAILABLE"
	case StatusAccessDenied:
		return "ACCESS_DENIED"
	case StatusInternalError:
		return "INTERNAL_ERROR"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// ErrTimeout matches every StatusError with StatusTryAgain.
var ErrTimeout = errors.New("property request timed out")

// StatusError reports a non-OK result for one property.
type StatusError struct {
	Msg    string
	Prop   int32
	Area   int32
	Status StatusCode
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("prop %d area %d: %s: %s", e.Prop, e.Area, e.Msg, e.Status)
}

// Is matches another *StatusError with the same status.
func (e *StatusError) Is(target error) bool {
	return target == ErrTimeout && e.Status == StatusTryAgain
}

// StatusOf returns the status carried by err, StatusOK for nil and
// StatusInternalError for other errors.
func StatusOf(err error) StatusCode {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	return StatusInternalError
}

// PropValue is one value of a property area.
type PropValue struct {
	StringValue string    `json:"string_value,omitempty"`
	Int32Values []int32   `json:"int32_values,omitempty"`
	Int64Values []int64   `json:"int64_values,omitempty"`
	FloatValues []float32 `json:"float_values,omitempty"`
	Timestamp   int64     `json:"timestamp"`
	Prop        int32     `json:"prop"`
	AreaID      int32     `json:"area_id"`
}

type GetRequest struct {
	Prop      PropValue `json:"prop"`
	RequestID int64     `json:"request_id"`
}

type GetResult struct {
	Prop      *PropValue `json:"prop,omitempty"`
	RequestID int64      `json:"request_id"`
	Status    StatusCode `json:"status"`
}

type SetRequest struct {
	Value     PropValue `json:"value"`
	RequestID int64     `json:"request_id"`
}

type SetResult struct {
	RequestID int64      `json:"request_id"`
	Status    StatusCode `json:"status"`
}

// Callbacks receives results from a Hal. Results may arrive in any order and
// on any goroutine.
type Callbacks interface {
	OnGetValues(results []GetResult)
	OnSetValues(results []SetResult)
}

// Hal is the transport to the property service. GetValues and SetValues only
// submit; results arrive through cb.
type Hal interface {
	GetValues(ctx context.Context, cb Callbacks, reqs []GetRequest) error
	SetValues(ctx context.Context, cb Callbacks, reqs []SetRequest) error
}
