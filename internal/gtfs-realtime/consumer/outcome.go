package consumer

import (
	"fmt"
	"net/http"
)

// Outcome classifies the result of one feed call. Callers that poll use
// it to adapt their interval; the retry policy switches on it.
type Outcome int

const (
	OK Outcome = iota
	Empty
	RateLimited
	NotFound
	Transient
	Fatal
)

func (o Outcome) String() string {
	switch o {
	case OK:
		return "ok"
	case Empty:
		return "empty"
	case RateLimited:
		return "rate_limited"
	case NotFound:
		return "not_found"
	case Transient:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// IsError reports whether the outcome is a failure rather than an answer
// (possibly an empty one).
func (o Outcome) IsError() bool {
	return o == RateLimited || o == Transient || o == Fatal
}

// HasData reports whether the call produced an answer.
func (o Outcome) HasData() bool {
	return o == OK || o == Empty || o == NotFound
}

// MarshalText lets outcomes appear as strings in API responses.
func (o Outcome) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// ClassifyStatus maps an HTTP status, or the status code carried in the
// response body, onto an Outcome.
func ClassifyStatus(code int) Outcome {
	switch {
	case code >= 200 && code < 300:
		return OK
	case code == http.StatusNotFound:
		return NotFound
	case code == http.StatusTooManyRequests:
		return RateLimited
	case code == http.StatusRequestTimeout, code >= 500:
		return Transient
	default:
		return Fatal
	}
}

// ConfigError reports a client that cannot make calls at all. It is the
// only error feed reads return.
type ConfigError struct {
	Field string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("feed client misconfigured: %s is not set", e.Field)
}
