package contact

import "strings"

// Field is a canonical attribute name used across all enrichment sources.
type Field string

const (
	FieldVisitorID Field = "visitor_id"
	FieldEmail     Field = "email"
	FieldFirstName Field = "first_name"
	FieldLastName  Field = "last_name"
	FieldCompany   Field = "company"
	FieldJobTitle  Field = "job_title"
	FieldCity      Field = "city"
	FieldState     Field = "state"
	FieldCountry   Field = "country"
	FieldPhone     Field = "phone"
	FieldLinkedIn  Field = "linkedin_url"
)

// fieldCandidates maps each canonical field to its ordered list of source
// field names. The upstream API has gone through several naming conventions
// (UPPER_SNAKE, lower_snake, camelCase) and all of them are still seen in
// the wild. The first present, non-empty candidate wins; order here is the
// precedence contract, not an accident.
var fieldCandidates = map[Field][]string{
	FieldVisitorID: {"UUID", "EDID", "id", "visitor_id", "contact_id"},
	FieldEmail:     {"BUSINESS_EMAIL", "PERSONAL_EMAIL", "email", "email_address"},
	FieldFirstName: {"FIRST_NAME", "first_name", "fname"},
	FieldLastName:  {"LAST_NAME", "last_name", "lname"},
	FieldCompany:   {"COMPANY_NAME", "company", "company_name", "organization"},
	FieldJobTitle:  {"JOB_TITLE", "job_title", "title"},
	FieldCity:      {"PERSONAL_CITY", "COMPANY_CITY", "city"},
	FieldState:     {"PERSONAL_STATE", "COMPANY_STATE", "state", "region"},
	FieldCountry:   {"PERSONAL_COUNTRY", "COMPANY_COUNTRY", "country", "country_code"},
	FieldPhone:     {"MOBILE_PHONE", "DIRECT_NUMBER", "COMPANY_PHONE", "phone", "phone_number"},
	FieldLinkedIn:  {"LINKEDIN_URL", "linkedin_url", "linkedin"},
}

// Event-facing source fields. Records may be person snapshots or single
// timestamped events; these candidates pull the event shape out of either.
var (
	eventTypeCandidates   = []string{"EVENT_TYPE", "event_type", "type"}
	scrollDepthCandidates = []string{"SCROLL_DEPTH", "scroll_depth", "scroll_percentage", "value"}
	startDateCandidates   = []string{"ACTIVITY_START_DATE", "activity_start_date", "startDate", "start_date", "timestamp", "created_at"}
	endDateCandidates     = []string{"ACTIVITY_END_DATE", "activity_end_date", "endDate", "end_date"}
)

// resolutionKeys are the spellings under which the identity-resolution
// sub-object may be nested in a raw record.
var resolutionKeys = []string{"resolution", "Resolution", "RESOLUTION"}

// normalizeKey collapses a source field name to its convention-free form:
// lower-cased with underscores removed. "FIRST_NAME", "first_name", and
// "firstName" all collapse to "firstname".
func normalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.ReplaceAll(k, "_", "")
}

// claimedKeys is the set of collapsed source-field names claimed by any
// canonical attribute or event accessor. Fields outside this set land in
// the extras bag.
var claimedKeys = buildClaimedKeys()

func buildClaimedKeys() map[string]bool {
	claimed := make(map[string]bool)
	for _, candidates := range fieldCandidates {
		for _, c := range candidates {
			claimed[normalizeKey(c)] = true
		}
	}
	for _, group := range [][]string{eventTypeCandidates, scrollDepthCandidates, startDateCandidates, endDateCandidates} {
		for _, c := range group {
			claimed[normalizeKey(c)] = true
		}
	}
	for _, k := range resolutionKeys {
		claimed[normalizeKey(k)] = true
	}
	return claimed
}
