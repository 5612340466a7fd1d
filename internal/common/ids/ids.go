// Package ids maps identifiers between the static schedule namespace
// (bare ids such as "1234") and the live feed namespace, which prefixes
// every id with the agency ("1_1234").
package ids

import "strings"

const DefaultAgencyID = "1"

type Mapper struct {
	AgencyID string
}

func NewMapper(agencyID string) Mapper {
	if agencyID == "" {
		agencyID = DefaultAgencyID
	}
	return Mapper{AgencyID: agencyID}
}

func (m Mapper) prefix() string {
	agency := m.AgencyID
	if agency == "" {
		agency = DefaultAgencyID
	}
	return agency + "_"
}

// ToFeedID is idempotent: an id that already carries the prefix is
// returned unchanged.
func (m Mapper) ToFeedID(id string) string {
	if id == "" {
		return ""
	}
	p := m.prefix()
	if strings.HasPrefix(id, p) {
		return id
	}
	return p + id
}

// ToScheduleID strips the agency prefix if present.
func (m Mapper) ToScheduleID(id string) string {
	return strings.TrimPrefix(id, m.prefix())
}

// ToScheduleIDs maps a slice, dropping empty ids and duplicates while
// keeping first-seen order.
func (m Mapper) ToScheduleIDs(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, id := range in {
		s := m.ToScheduleID(id)
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
