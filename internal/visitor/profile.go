package visitor

import (
	"time"

	"github.com/ignite/visitor-insights/internal/contact"
)

// Profile is the canonical visitor aggregate: one row per visitor id per
// tracking source and owner, carrying enrichment attributes from the
// primary record and engagement counters folded from every record seen.
type Profile struct {
	VisitorID   string `json:"visitor_id"`
	Email       string `json:"email,omitempty"`
	FullName    string `json:"full_name,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	Company     string `json:"company,omitempty"`
	JobTitle    string `json:"job_title,omitempty"`
	City        string `json:"city,omitempty"`
	State       string `json:"state,omitempty"`
	Country     string `json:"country,omitempty"`
	LinkedInURL string `json:"linkedin_url,omitempty"`

	PageViews       int     `json:"page_views"`
	Clicks          int     `json:"clicks"`
	FormSubmissions int     `json:"form_submissions"`
	MaxScrollDepth  float64 `json:"max_scroll_depth"`
	SessionCount    int     `json:"session_count"`
	TotalActiveSecs int64   `json:"total_active_seconds"`
	LeadScore       int     `json:"lead_score"`

	IsIdentified bool       `json:"is_identified"`
	IdentifiedAt *time.Time `json:"identified_at,omitempty"`
	FirstSeenAt  *time.Time `json:"first_seen_at,omitempty"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`

	// EnrichmentData is the primary raw record, kept for forensic/debug use.
	EnrichmentData contact.Raw `json:"enrichment_data,omitempty"`
	// Metadata carries secondary attributes not promoted to columns.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Skip records a contact record excluded from aggregation and why.
// Per-record problems are reported here, never as errors for the batch.
type Skip struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// Counters are the engagement signals the lead score is computed from.
type Counters struct {
	PageViews       int
	Clicks          int
	FormSubmissions int
	MaxScrollDepth  float64
	SessionDays     int
}

// Score computes the 0-100 lead score. The score is a pure function of
// the counters: 15 base for an identifiable visitor, capped page-view and
// click contributions, uncapped form submissions, bonuses for deep scroll
// and multi-day activity, clamped to [0, 100].
func Score(c Counters) int {
	score := 15
	score += min(c.PageViews*2, 20)
	score += min(c.Clicks*3, 15)
	score += c.FormSubmissions * 10
	if c.MaxScrollDepth > 50 {
		score += 5
	}
	if c.SessionDays > 1 {
		score += 10
	}
	if score > 100 {
		return 100
	}
	if score < 0 {
		return 0
	}
	return score
}
