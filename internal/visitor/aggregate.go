package visitor

import (
	"time"

	"github.com/ignite/visitor-insights/internal/contact"
)

// Event type tags recognized on enrichment records. A record with no tag
// is an implicit page view: one API generation emits one row per visit
// with no event classification at all.
const (
	EventPageView       = "page_view"
	EventClick          = "click"
	EventFormSubmission = "form_submission"
	EventScrollDepth    = "scroll_depth"
)

// Aggregate folds normalized contact records into one Profile per visitor
// id. Records lacking an identity are reported as skips, not errors. The
// first record of a group supplies identity and demographic attributes;
// later records only contribute engagement signals. Pure transform,
// persistence is the writer's concern.
func Aggregate(records []*contact.Normalized) ([]*Profile, []Skip) {
	var skips []Skip
	groups := make(map[string]*group)
	order := make([]string, 0, len(records))

	for i, rec := range records {
		if rec == nil {
			skips = append(skips, Skip{Index: i, Reason: "empty record"})
			continue
		}
		id := rec.VisitorID
		if id == "" {
			skips = append(skips, Skip{Index: i, Reason: "no resolvable visitor id"})
			continue
		}
		g, ok := groups[id]
		if !ok {
			g = &group{primary: rec, days: make(map[string]bool)}
			groups[id] = g
			order = append(order, id)
		}
		g.fold(rec)
	}

	profiles := make([]*Profile, 0, len(order))
	for _, id := range order {
		profiles = append(profiles, groups[id].profile(id))
	}
	return profiles, skips
}

// group accumulates one visitor's records during an aggregation run.
type group struct {
	primary *contact.Normalized

	pageViews       int
	clicks          int
	formSubmissions int
	maxScroll       float64
	activeSecs      int64
	days            map[string]bool

	firstSeen *time.Time
	lastSeen  *time.Time
}

func (g *group) fold(rec *contact.Normalized) {
	switch rec.EventType {
	case EventPageView:
		g.pageViews++
	case EventClick:
		g.clicks++
	case EventFormSubmission:
		g.formSubmissions++
	case EventScrollDepth:
		// Malformed payloads already dropped during normalization.
		if rec.ScrollDepth != nil && *rec.ScrollDepth > g.maxScroll {
			g.maxScroll = *rec.ScrollDepth
		}
	case "":
		// No tag: the row itself is one page visit.
		g.pageViews++
	default:
		// Unknown tags still contribute timestamps below but no counter.
	}

	if rec.StartAt != nil {
		g.days[rec.StartAt.UTC().Format("2006-01-02")] = true
		g.observe(*rec.StartAt)
	}
	if rec.EndAt != nil {
		g.observe(*rec.EndAt)
	}
	if rec.StartAt != nil && rec.EndAt != nil {
		if secs := int64(rec.EndAt.Sub(*rec.StartAt).Seconds()); secs > 0 {
			g.activeSecs += secs
		}
	}
}

// observe widens the seen-timestamp window. Last-seen is the max of every
// start and end timestamp, which keeps the result independent of record
// order.
func (g *group) observe(t time.Time) {
	if g.firstSeen == nil || t.Before(*g.firstSeen) {
		ts := t
		g.firstSeen = &ts
	}
	if g.lastSeen == nil || t.After(*g.lastSeen) {
		ts := t
		g.lastSeen = &ts
	}
}

func (g *group) profile(id string) *Profile {
	p := &Profile{
		VisitorID:   id,
		Email:       g.primary.Email,
		FullName:    g.primary.FullName,
		FirstName:   g.primary.FirstName,
		LastName:    g.primary.LastName,
		Company:     g.primary.Company,
		JobTitle:    g.primary.JobTitle,
		City:        g.primary.City,
		State:       g.primary.State,
		Country:     g.primary.Country,
		LinkedInURL: g.primary.LinkedInURL,

		PageViews:       g.pageViews,
		Clicks:          g.clicks,
		FormSubmissions: g.formSubmissions,
		MaxScrollDepth:  g.maxScroll,
		SessionCount:    len(g.days),
		TotalActiveSecs: g.activeSecs,

		FirstSeenAt:    g.firstSeen,
		LastSeenAt:     g.lastSeen,
		EnrichmentData: g.primary.Raw,
		Metadata:       buildMetadata(g.primary),
	}

	p.LeadScore = Score(Counters{
		PageViews:       p.PageViews,
		Clicks:          p.Clicks,
		FormSubmissions: p.FormSubmissions,
		MaxScrollDepth:  p.MaxScrollDepth,
		SessionDays:     p.SessionCount,
	})

	if p.Email != "" {
		p.IsIdentified = true
		p.IdentifiedAt = p.FirstSeenAt
	}
	return p
}

// buildMetadata collects secondary attributes that stay off the visitor
// row proper: phone, plus whatever the normalizer left in the extras bag.
func buildMetadata(primary *contact.Normalized) map[string]string {
	meta := make(map[string]string)
	if primary.Phone != "" {
		meta["phone"] = primary.Phone
	}
	for k, v := range primary.Extra {
		meta[k] = v
	}
	if len(meta) == 0 {
		return nil
	}
	return meta
}
