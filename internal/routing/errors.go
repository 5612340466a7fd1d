package routing

import (
	"errors"
	"fmt"
)

type ErrorKind string

const (
	KindLocationUnresolved ErrorKind = "location_unresolved"
	KindNoStopInRange      ErrorKind = "no_stop_in_range"
	KindNoTransitOptions   ErrorKind = "no_options"
	KindInvalidRequest     ErrorKind = "invalid_request"
)

// PlanError is the only kind of error Plan returns. Endpoint names the
// side of the trip that failed, when there is one.
type PlanError struct {
	Kind     ErrorKind
	Endpoint string
	Err      error
}

var (
	ErrLocationUnresolved = &PlanError{Kind: KindLocationUnresolved}
	ErrNoStopInRange      = &PlanError{Kind: KindNoStopInRange}
	ErrNoTransitOptions   = &PlanError{Kind: KindNoTransitOptions}
	ErrInvalidRequest     = &PlanError{Kind: KindInvalidRequest}
)

func (e *PlanError) Error() string {
	msg := string(e.Kind)
	if e.Endpoint != "" {
		msg = fmt.Sprintf("%s: %s", e.Endpoint, msg)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *PlanError) Unwrap() error {
	return e.Err
}

// Is matches on Kind, so errors.Is(err, ErrNoStopInRange) holds for any
// PlanError of that kind.
func (e *PlanError) Is(target error) bool {
	t, ok := target.(*PlanError)
	return ok && t.Kind == e.Kind
}

func planError(kind ErrorKind, endpoint string, err error) *PlanError {
	return &PlanError{Kind: kind, Endpoint: endpoint, Err: err}
}

var (
	errInvalidCoordinates = errors.New("invalid coordinates")
	errUnknownStop        = errors.New("unknown stop")
	errNoGeocoder         = errors.New("no geocoder configured")
	errAddressNotFound    = errors.New("address not found")
	errEmptyLocation      = errors.New("no coordinates, stop or address given")
	errSameStop           = errors.New("origin and destination share the nearest stop")
)
