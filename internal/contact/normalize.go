package contact

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Raw is an upstream contact record as decoded from the enrichment API.
// Field names are heterogeneous across API generations; Normalize maps
// them to the canonical shape.
type Raw map[string]interface{}

// Normalized is the canonical contact representation derived from one raw
// record. Absent attributes are empty strings, never errors.
type Normalized struct {
	VisitorID   string
	Email       string
	FirstName   string
	LastName    string
	FullName    string
	Company     string
	JobTitle    string
	City        string
	State       string
	Country     string
	Phone       string
	LinkedInURL string

	// Event shape, when the record represents a single timestamped event.
	EventType   string
	ScrollDepth *float64
	StartAt     *time.Time
	EndAt       *time.Time

	// Extra holds source fields not claimed by any canonical attribute,
	// keyed by their lower-cased original names.
	Extra map[string]string

	// Raw preserves the original record for forensic/debug payloads.
	Raw Raw
}

// Normalize maps a raw upstream record to the canonical contact shape.
// Returns false when no identity field resolves; such records cannot be
// aggregated and the caller records a skip. Pure function, no I/O.
func Normalize(raw Raw) (*Normalized, bool) {
	lookup := buildLookup(raw)

	n := &Normalized{
		VisitorID:   lookup.first(fieldCandidates[FieldVisitorID]),
		Email:       lookup.first(fieldCandidates[FieldEmail]),
		FirstName:   lookup.first(fieldCandidates[FieldFirstName]),
		LastName:    lookup.first(fieldCandidates[FieldLastName]),
		Company:     lookup.first(fieldCandidates[FieldCompany]),
		JobTitle:    lookup.first(fieldCandidates[FieldJobTitle]),
		City:        lookup.first(fieldCandidates[FieldCity]),
		State:       lookup.first(fieldCandidates[FieldState]),
		Country:     lookup.first(fieldCandidates[FieldCountry]),
		Phone:       lookup.first(fieldCandidates[FieldPhone]),
		LinkedInURL: lookup.first(fieldCandidates[FieldLinkedIn]),
		Raw:         raw,
	}

	n.FullName = joinName(n.FirstName, n.LastName)
	n.EventType = strings.ToLower(lookup.first(eventTypeCandidates))

	if v := lookup.first(scrollDepthCandidates); v != "" {
		if depth, err := strconv.ParseFloat(v, 64); err == nil {
			n.ScrollDepth = &depth
		}
	}
	if t, ok := parseTimestamp(lookup.first(startDateCandidates)); ok {
		n.StartAt = &t
	}
	if t, ok := parseTimestamp(lookup.first(endDateCandidates)); ok {
		n.EndAt = &t
	}

	n.Extra = collectExtras(raw)

	if strings.TrimSpace(n.VisitorID) == "" {
		return n, false
	}
	n.VisitorID = strings.TrimSpace(n.VisitorID)
	return n, true
}

// recordLookup is the merged field space of a record: top-level fields
// first, resolution sub-object fields as fallback. Three tiers keep
// candidate precedence deterministic: an exact-spelling match beats a
// case-folded match beats a convention-collapsed match, so a record
// carrying both FIRST_NAME and first_name resolves by candidate order,
// not map iteration order.
type recordLookup struct {
	exact     map[string]string // original trimmed key
	folded    map[string]string // lower-cased key
	collapsed map[string]string // lower-cased, underscores removed
}

// first returns the first candidate with a present, non-empty value.
func (l *recordLookup) first(candidates []string) string {
	for _, c := range candidates {
		if v := l.exact[strings.TrimSpace(c)]; v != "" {
			return v
		}
		if v := l.folded[strings.ToLower(strings.TrimSpace(c))]; v != "" {
			return v
		}
		if v := l.collapsed[normalizeKey(c)]; v != "" {
			return v
		}
	}
	return ""
}

func buildLookup(raw Raw) *recordLookup {
	lookup := &recordLookup{
		exact:     make(map[string]string, len(raw)),
		folded:    make(map[string]string, len(raw)),
		collapsed: make(map[string]string, len(raw)),
	}
	merge := func(m map[string]interface{}) {
		// Sorted keys so colliding spellings resolve the same way on
		// every run regardless of map iteration order.
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			s := asString(m[k])
			if s == "" {
				continue
			}
			trimmed := strings.TrimSpace(k)
			if _, exists := lookup.exact[trimmed]; !exists {
				lookup.exact[trimmed] = s
			}
			if key := strings.ToLower(trimmed); lookup.folded[key] == "" {
				lookup.folded[key] = s
			}
			if key := normalizeKey(k); lookup.collapsed[key] == "" {
				lookup.collapsed[key] = s
			}
		}
	}

	merge(raw)
	// Resolution fields are consulted only where top-level fields are absent.
	for _, rk := range resolutionKeys {
		if sub, ok := raw[rk].(map[string]interface{}); ok {
			merge(sub)
		}
	}
	return lookup
}

func collectExtras(raw Raw) map[string]string {
	extras := make(map[string]string)
	collect := func(m map[string]interface{}) {
		for k, v := range m {
			if claimedKeys[normalizeKey(k)] {
				continue
			}
			s := asString(v)
			if s == "" {
				continue
			}
			key := strings.ToLower(strings.TrimSpace(k))
			if _, exists := extras[key]; !exists {
				extras[key] = s
			}
		}
	}

	collect(raw)
	for _, rk := range resolutionKeys {
		if sub, ok := raw[rk].(map[string]interface{}); ok {
			collect(sub)
		}
	}
	if len(extras) == 0 {
		return nil
	}
	return extras
}

// asString renders a raw JSON value as a trimmed string. Nested objects
// and arrays are flattened to JSON text so nothing is silently lost.
func asString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case json.Number:
		return val.String()
	case float64:
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case map[string]interface{}, []interface{}:
		data, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(data)
	default:
		return strings.TrimSpace(fmt.Sprintf("%v", val))
	}
}

func joinName(first, last string) string {
	switch {
	case first != "" && last != "":
		return first + " " + last
	case first != "":
		return first
	default:
		return last
	}
}

// timestampFormats are tried in order for activity date fields. The API
// has emitted all of these at one point or another.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseTimestamp parses an activity timestamp tolerantly. Unix seconds
// (as a bare number) and the common date layouts are accepted; anything
// else is treated as absent, never as an error.
func parseTimestamp(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return time.Time{}, false
	}
	if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
		// Heuristic floor keeps small integers (counters, ids) from
		// parsing as dates near the epoch.
		if unix > 1_000_000_000 {
			return time.Unix(unix, 0).UTC(), true
		}
		return time.Time{}, false
	}
	for _, layout := range timestampFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}
