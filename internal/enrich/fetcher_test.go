package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
)

// pagedServer serves a fixed number of pages, one record per page, with
// the record carrying its page number so reassembly order is checkable.
func pagedServer(t *testing.T, totalPages int, failPages map[int]bool) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	inFlight := 0
	maxInFlight := 0

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()
		defer func() {
			mu.Lock()
			inFlight--
			mu.Unlock()
		}()

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if failPages[page] {
			w.WriteHeader(http.StatusInternalServerError)
			fmt.Fprint(w, `{"error":"boom"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":[{"UUID":"v%d","page_marker":%d}],"total_pages":%d,"page":%d}`,
			page, page, totalPages, page)
	}))
}

func newTestClient() *Client {
	c := NewClient(Config{APIKey: "test-key", MaxRetries: 1})
	c.SetHTTPClient(&http.Client{})
	return c
}

func TestFetchAllPages(t *testing.T) {
	server := pagedServer(t, 23, nil)
	defer server.Close()

	result, err := newTestClient().FetchAllPages(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchAllPages: %v", err)
	}
	if result.TotalPages != 23 {
		t.Errorf("TotalPages = %d, want 23", result.TotalPages)
	}
	if len(result.Records) != 23 {
		t.Fatalf("records = %d, want 23", len(result.Records))
	}
	if len(result.Skipped) != 0 {
		t.Errorf("skipped = %d, want 0", len(result.Skipped))
	}
	// Records are concatenated in page order regardless of fetch
	// completion order within a batch.
	for i, rec := range result.Records {
		if got := rec["page_marker"].(float64); int(got) != i+1 {
			t.Fatalf("record %d came from page %v, want %d", i, got, i+1)
		}
	}
	if len(result.RawPages) != 23 {
		t.Errorf("raw pages = %d, want 23", len(result.RawPages))
	}
}

func TestFetchAllPagesPartialFailure(t *testing.T) {
	server := pagedServer(t, 10, map[int]bool{4: true, 7: true})
	defer server.Close()

	result, err := newTestClient().FetchAllPages(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("FetchAllPages: %v", err)
	}
	if len(result.Records) != 8 {
		t.Errorf("records = %d, want 8 after two pages failed", len(result.Records))
	}
	if len(result.Skipped) != 2 {
		t.Fatalf("skipped = %d, want 2", len(result.Skipped))
	}
	if result.Skipped[0].Page != 4 || result.Skipped[1].Page != 7 {
		t.Errorf("skipped pages = %d,%d, want 4,7", result.Skipped[0].Page, result.Skipped[1].Page)
	}
	for _, skip := range result.Skipped {
		if skip.Reason == "" {
			t.Errorf("page %d skip has no reason", skip.Page)
		}
	}
}

func TestFetchAllPagesFirstPageFailureAborts(t *testing.T) {
	server := pagedServer(t, 5, map[int]bool{1: true})
	defer server.Close()

	_, err := newTestClient().FetchAllPages(context.Background(), server.URL)
	if err == nil {
		t.Fatal("expected error when page 1 fails")
	}
}

func TestFetchPageRange(t *testing.T) {
	server := pagedServer(t, 30, nil)
	defer server.Close()

	result, err := newTestClient().FetchPageRange(context.Background(), server.URL, 11, 25)
	if err != nil {
		t.Fatalf("FetchPageRange: %v", err)
	}
	if len(result.Pages) != 15 {
		t.Fatalf("pages = %d, want 15", len(result.Pages))
	}
	if result.Pages[0].Number != 11 || result.Pages[14].Number != 25 {
		t.Errorf("page span = %d..%d, want 11..25", result.Pages[0].Number, result.Pages[14].Number)
	}
	if len(result.Records) != 15 {
		t.Errorf("records = %d, want 15", len(result.Records))
	}
}

func TestFetchPageRangeEmpty(t *testing.T) {
	server := pagedServer(t, 5, nil)
	defer server.Close()

	result, err := newTestClient().FetchPageRange(context.Background(), server.URL, 6, 5)
	if err != nil {
		t.Fatalf("FetchPageRange: %v", err)
	}
	if len(result.Records) != 0 || len(result.Pages) != 0 {
		t.Errorf("inverted range produced %d records", len(result.Records))
	}
}

func TestFetchPreservesEndpointQuery(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		fmt.Fprint(w, `{"data":[],"total_pages":1}`)
	}))
	defer server.Close()

	_, err := newTestClient().FetchPage(context.Background(), server.URL+"?pixel=px-9", 1)
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}
	q := "page=1&pixel=px-9"
	if gotQuery != q {
		t.Errorf("query = %q, want %q", gotQuery, q)
	}
}

func TestAuthHeaders(t *testing.T) {
	tests := []struct {
		host       string
		wantBearer bool
	}{
		{"api.insightpixel.io", true},
		{"insightpixel.io", true},
		{"api.otherplatform.com", false},
		{"evil-insightpixel.io", false},
	}

	for _, tt := range tests {
		t.Run(tt.host, func(t *testing.T) {
			c := NewClient(Config{APIKey: "secret"})
			req, _ := http.NewRequest(http.MethodGet, "https://"+tt.host+"/v1/contacts", nil)
			c.setAuthHeaders(req)

			if got := req.Header.Get("X-API-Key"); got != "secret" {
				t.Errorf("X-API-Key = %q, want secret", got)
			}
			bearer := req.Header.Get("Authorization")
			if tt.wantBearer && bearer != "Bearer secret" {
				t.Errorf("Authorization = %q, want bearer token for %s", bearer, tt.host)
			}
			if !tt.wantBearer && bearer != "" {
				t.Errorf("Authorization = %q, want none for %s", bearer, tt.host)
			}
		})
	}
}

func TestAuthHeadersNoKey(t *testing.T) {
	c := NewClient(Config{})
	req, _ := http.NewRequest(http.MethodGet, "https://api.insightpixel.io/v1/contacts", nil)
	c.setAuthHeaders(req)
	if len(req.Header) != 0 {
		t.Errorf("headers set without an API key: %v", req.Header)
	}
}

func TestParsePagePayloadShapes(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantCount  int
		wantTotal  int
	}{
		{"data key", `{"data":[{"UUID":"a"}],"total_pages":4}`, 1, 4},
		{"Data key", `{"Data":[{"UUID":"a"},{"UUID":"b"}],"TotalPages":2}`, 2, 2},
		{"records key", `{"records":[{"UUID":"a"}],"totalPages":9}`, 1, 9},
		{"contacts key", `{"contacts":[{"UUID":"a"}]}`, 1, 0},
		{"bare array", `[{"UUID":"a"},{"UUID":"b"},{"UUID":"c"}]`, 3, 0},
		{"string total", `{"data":[],"total_pages":"12"}`, 0, 12},
		{"empty object", `{}`, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			envelope, err := parsePage([]byte(tt.body))
			if err != nil {
				t.Fatalf("parsePage: %v", err)
			}
			if len(envelope.Records) != tt.wantCount {
				t.Errorf("records = %d, want %d", len(envelope.Records), tt.wantCount)
			}
			if envelope.TotalPages != tt.wantTotal {
				t.Errorf("TotalPages = %d, want %d", envelope.TotalPages, tt.wantTotal)
			}
		})
	}
}

func TestParsePageInvalid(t *testing.T) {
	if _, err := parsePage([]byte(`not json`)); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestValidateEndpoint(t *testing.T) {
	tests := []struct {
		endpoint string
		wantErr  bool
	}{
		{"https://api.example.com/contacts", false},
		{"http://localhost:9000/v1", false},
		{"ftp://example.com", true},
		{"", true},
		{"https://", true},
	}
	for _, tt := range tests {
		err := ValidateEndpoint(tt.endpoint)
		if (err != nil) != tt.wantErr {
			t.Errorf("ValidateEndpoint(%q) err = %v, wantErr %v", tt.endpoint, err, tt.wantErr)
		}
	}
}

func TestIntField(t *testing.T) {
	m := map[string]interface{}{
		"a": float64(7),
		"b": "13",
		"c": json.Number("21"),
		"d": "junk",
	}
	if got := intField(m, []string{"missing", "a"}); got != 7 {
		t.Errorf("float field = %d, want 7", got)
	}
	if got := intField(m, []string{"b"}); got != 13 {
		t.Errorf("string field = %d, want 13", got)
	}
	if got := intField(m, []string{"c"}); got != 21 {
		t.Errorf("json.Number field = %d, want 21", got)
	}
	if got := intField(m, []string{"d"}); got != 0 {
		t.Errorf("junk field = %d, want 0", got)
	}
}
