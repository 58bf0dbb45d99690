package visitor

import (
	"testing"
	"time"

	"github.com/ignite/visitor-insights/internal/contact"
)

func ts(s string) *time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return &t
}

func fp(v float64) *float64 { return &v }

func TestAggregateSingleVisitor(t *testing.T) {
	// One visitor, two event rows: a tagged page view with a matching
	// click row. Counters fold, identity fields come from the first row.
	records := []*contact.Normalized{
		{
			VisitorID: "v1",
			Email:     "ann@corp.io",
			FirstName: "Ann",
			LastName:  "Lee",
			FullName:  "Ann Lee",
			EventType: "page_view",
			StartAt:   ts("2026-03-01T10:00:00Z"),
			EndAt:     ts("2026-03-01T10:02:00Z"),
		},
		{
			VisitorID: "v1",
			EventType: "click",
			StartAt:   ts("2026-03-01T10:01:00Z"),
		},
	}

	profiles, skips := Aggregate(records)
	if len(skips) != 0 {
		t.Fatalf("skips = %d, want 0", len(skips))
	}
	if len(profiles) != 1 {
		t.Fatalf("profiles = %d, want 1", len(profiles))
	}

	p := profiles[0]
	if p.PageViews != 1 || p.Clicks != 1 || p.FormSubmissions != 0 {
		t.Errorf("counters = %d/%d/%d, want 1/1/0", p.PageViews, p.Clicks, p.FormSubmissions)
	}
	// 15 base + 2 page views points + 3 click points.
	if p.LeadScore != 20 {
		t.Errorf("LeadScore = %d, want 20", p.LeadScore)
	}
	if !p.IsIdentified {
		t.Error("IsIdentified = false, want true for a visitor with email")
	}
	if p.SessionCount != 1 {
		t.Errorf("SessionCount = %d, want 1", p.SessionCount)
	}
	if p.TotalActiveSecs != 120 {
		t.Errorf("TotalActiveSecs = %d, want 120", p.TotalActiveSecs)
	}
	if p.FirstSeenAt == nil || !p.FirstSeenAt.Equal(*ts("2026-03-01T10:00:00Z")) {
		t.Errorf("FirstSeenAt = %v", p.FirstSeenAt)
	}
	if p.LastSeenAt == nil || !p.LastSeenAt.Equal(*ts("2026-03-01T10:02:00Z")) {
		t.Errorf("LastSeenAt = %v, want the max end timestamp", p.LastSeenAt)
	}
}

func TestAggregateFirstRecordWins(t *testing.T) {
	records := []*contact.Normalized{
		{VisitorID: "v1", Email: "first@corp.io", Company: "FirstCo"},
		{VisitorID: "v1", Email: "second@corp.io", Company: "SecondCo", EventType: "click"},
	}

	profiles, _ := Aggregate(records)
	p := profiles[0]
	if p.Email != "first@corp.io" {
		t.Errorf("Email = %q, first record must supply identity", p.Email)
	}
	if p.Company != "FirstCo" {
		t.Errorf("Company = %q, want FirstCo", p.Company)
	}
	// The second record still counted as an event.
	if p.Clicks != 1 {
		t.Errorf("Clicks = %d, want 1", p.Clicks)
	}
}

func TestAggregateUntaggedRecordIsPageView(t *testing.T) {
	profiles, _ := Aggregate([]*contact.Normalized{
		{VisitorID: "v1"},
		{VisitorID: "v1"},
	})
	if profiles[0].PageViews != 2 {
		t.Errorf("PageViews = %d, untagged rows count as visits", profiles[0].PageViews)
	}
}

func TestAggregateScrollDepthMax(t *testing.T) {
	profiles, _ := Aggregate([]*contact.Normalized{
		{VisitorID: "v1", EventType: "scroll_depth", ScrollDepth: fp(30)},
		{VisitorID: "v1", EventType: "scroll_depth", ScrollDepth: fp(80)},
		{VisitorID: "v1", EventType: "scroll_depth", ScrollDepth: fp(55)},
	})
	p := profiles[0]
	if p.MaxScrollDepth != 80 {
		t.Errorf("MaxScrollDepth = %v, want 80", p.MaxScrollDepth)
	}
	// Scroll rows are not visits.
	if p.PageViews != 0 {
		t.Errorf("PageViews = %d, want 0", p.PageViews)
	}
}

func TestAggregateSessionDays(t *testing.T) {
	profiles, _ := Aggregate([]*contact.Normalized{
		{VisitorID: "v1", EventType: "page_view", StartAt: ts("2026-03-01T10:00:00Z")},
		{VisitorID: "v1", EventType: "page_view", StartAt: ts("2026-03-01T22:00:00Z")},
		{VisitorID: "v1", EventType: "page_view", StartAt: ts("2026-03-02T09:00:00Z")},
	})
	if profiles[0].SessionCount != 2 {
		t.Errorf("SessionCount = %d, want 2 distinct days", profiles[0].SessionCount)
	}
}

func TestAggregateLastSeenOrderIndependent(t *testing.T) {
	// The max timestamp appears in the middle of the stream; last seen
	// must still land on it.
	records := []*contact.Normalized{
		{VisitorID: "v1", EventType: "page_view", StartAt: ts("2026-03-02T10:00:00Z"), EndAt: ts("2026-03-02T10:30:00Z")},
		{VisitorID: "v1", EventType: "page_view", StartAt: ts("2026-03-01T08:00:00Z")},
	}
	profiles, _ := Aggregate(records)
	p := profiles[0]
	if !p.LastSeenAt.Equal(*ts("2026-03-02T10:30:00Z")) {
		t.Errorf("LastSeenAt = %v, want the overall max", p.LastSeenAt)
	}
	if !p.FirstSeenAt.Equal(*ts("2026-03-01T08:00:00Z")) {
		t.Errorf("FirstSeenAt = %v, want the overall min", p.FirstSeenAt)
	}
}

func TestAggregateSkipsAndOrder(t *testing.T) {
	records := []*contact.Normalized{
		{VisitorID: "b"},
		nil,
		{VisitorID: ""},
		{VisitorID: "a"},
		{VisitorID: "b", EventType: "click"},
	}
	profiles, skips := Aggregate(records)

	if len(skips) != 2 {
		t.Fatalf("skips = %d, want 2", len(skips))
	}
	if skips[0].Index != 1 || skips[1].Index != 2 {
		t.Errorf("skip indexes = %d,%d, want 1,2", skips[0].Index, skips[1].Index)
	}
	if len(profiles) != 2 {
		t.Fatalf("profiles = %d, want 2", len(profiles))
	}
	// Output order follows first appearance, not visitor id.
	if profiles[0].VisitorID != "b" || profiles[1].VisitorID != "a" {
		t.Errorf("order = %s,%s, want b,a", profiles[0].VisitorID, profiles[1].VisitorID)
	}
}

func TestAggregateMetadata(t *testing.T) {
	profiles, _ := Aggregate([]*contact.Normalized{{
		VisitorID: "v1",
		Phone:     "+1 555 0100",
		Extra:     map[string]string{"seniority": "director"},
	}})
	meta := profiles[0].Metadata
	if meta["phone"] != "+1 555 0100" {
		t.Errorf("Metadata[phone] = %q", meta["phone"])
	}
	if meta["seniority"] != "director" {
		t.Errorf("Metadata[seniority] = %q", meta["seniority"])
	}
}

func TestScore(t *testing.T) {
	tests := []struct {
		name string
		c    Counters
		want int
	}{
		{"base only", Counters{}, 15},
		{"one visit one click", Counters{PageViews: 1, Clicks: 1}, 20},
		{"page view cap", Counters{PageViews: 50}, 35},
		{"click cap", Counters{Clicks: 50}, 30},
		{"scroll bonus boundary not reached", Counters{MaxScrollDepth: 50}, 15},
		{"scroll bonus", Counters{MaxScrollDepth: 50.5}, 20},
		{"multi day bonus", Counters{SessionDays: 2}, 25},
		{"single day no bonus", Counters{SessionDays: 1}, 15},
		{
			"all caps hit",
			Counters{PageViews: 10, Clicks: 5, FormSubmissions: 3, MaxScrollDepth: 90, SessionDays: 3},
			95,
		},
		{
			"clamped at 100",
			Counters{PageViews: 10, Clicks: 5, FormSubmissions: 10, MaxScrollDepth: 90, SessionDays: 3},
			100,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Score(tt.c); got != tt.want {
				t.Errorf("Score(%+v) = %d, want %d", tt.c, got, tt.want)
			}
		})
	}
}

func TestScoreMonotonic(t *testing.T) {
	base := Counters{PageViews: 2, Clicks: 1}
	baseScore := Score(base)

	more := []Counters{
		{PageViews: 3, Clicks: 1},
		{PageViews: 2, Clicks: 2},
		{PageViews: 2, Clicks: 1, FormSubmissions: 1},
		{PageViews: 2, Clicks: 1, MaxScrollDepth: 60},
		{PageViews: 2, Clicks: 1, SessionDays: 2},
	}
	for _, c := range more {
		if got := Score(c); got < baseScore {
			t.Errorf("Score(%+v) = %d, dropped below %d after adding engagement", c, got, baseScore)
		}
	}
}
