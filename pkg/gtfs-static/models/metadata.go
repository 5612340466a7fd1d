package models

import "time"

// SourceMetadata describes the published static archive, as reported by
// the HTTP server hosting it.
type SourceMetadata struct {
	URL           string
	LastModified  time.Time
	ETag          string
	ContentLength int64
}

// LoadInfo summarises one ScheduleIndex load.
type LoadInfo struct {
	LoadedAt  time.Time
	Routes    int
	Stops     int
	Trips     int
	StopTimes int
	Skipped   map[string]int // table name -> malformed rows skipped
}

// TotalSkipped sums skipped rows across all tables.
func (l LoadInfo) TotalSkipped() int {
	n := 0
	for _, c := range l.Skipped {
		n += c
	}
	return n
}
