package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EpochMillis handles the feed's timestamps, which are milliseconds since
// the Unix epoch. Zero and null both mean "not provided".
type EpochMillis struct {
	time.Time
}

// UnmarshalJSON accepts numbers and numeric strings.
func (e *EpochMillis) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), "\"")
	if s == "null" || s == "" || s == "0" {
		e.Time = time.Time{}
		return nil
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		f, ferr := strconv.ParseFloat(s, 64)
		if ferr != nil {
			return fmt.Errorf("unable to parse epoch millis %q: %w", s, err)
		}
		ms = int64(f)
	}
	e.Time = time.UnixMilli(ms)
	return nil
}

// MarshalJSON writes the time back as epoch milliseconds.
func (e EpochMillis) MarshalJSON() ([]byte, error) {
	if e.Time.IsZero() {
		return []byte("0"), nil
	}
	return []byte(strconv.FormatInt(e.Time.UnixMilli(), 10)), nil
}
