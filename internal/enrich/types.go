package enrich

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/ignite/visitor-insights/internal/contact"
)

// Config holds enrichment API client settings.
type Config struct {
	APIKey     string
	MaxRetries int
	// Parallel page-fetch batch sizes. The whole-pipeline fetch uses a
	// smaller batch than the chunked importer because it runs alongside
	// other work in the same invocation.
	FullFetchBatchPages  int
	ChunkFetchBatchPages int
}

// PageSkip records one upstream page that yielded no data and why.
// Partial data is preferable to total failure; skips are reported, not
// raised.
type PageSkip struct {
	Page   int    `json:"page"`
	Reason string `json:"reason"`
}

// Page is one fetched page's records, kept separate so the chunked
// importer can key stored rows by (page, row) for replay idempotency.
type Page struct {
	Number  int
	Records []contact.Raw
}

// FetchResult is the outcome of a multi-page fetch. Records are
// concatenated in page order; the aggregator's first-record-wins rule
// depends on that ordering.
type FetchResult struct {
	Records    []contact.Raw
	Pages      []Page
	TotalPages int
	Skipped    []PageSkip
	// RawPages holds the raw response body per fetched page, for the
	// optional forensic archive. Keyed by page number.
	RawPages map[int][]byte
}

// recordKeys are the top-level response keys under which the API may
// report its contact records, in the order they are checked.
var recordKeys = []string{"Data", "data", "records", "contacts"}

// totalPagesKeys and currentPageKeys are the spellings the API has used
// for pagination metadata across generations.
var (
	totalPagesKeys  = []string{"total_pages", "TotalPages", "totalPages"}
	currentPageKeys = []string{"page", "Page", "current_page"}
)

// pageEnvelope is the tolerantly-decoded shape of one upstream page.
type pageEnvelope struct {
	Records    []contact.Raw
	TotalPages int
	Page       int
}

// parsePage decodes a response body, accepting any of the known record
// keys and pagination spellings. A body that is a bare JSON array is
// taken as the record list itself.
func parsePage(body []byte) (*pageEnvelope, error) {
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "[") {
		var records []contact.Raw
		if err := json.Unmarshal(body, &records); err != nil {
			return nil, err
		}
		return &pageEnvelope{Records: records}, nil
	}

	var envelope map[string]interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, err
	}

	out := &pageEnvelope{}
	for _, key := range recordKeys {
		raw, ok := envelope[key]
		if !ok {
			continue
		}
		items, ok := raw.([]interface{})
		if !ok {
			continue
		}
		for _, item := range items {
			if rec, ok := item.(map[string]interface{}); ok {
				out.Records = append(out.Records, contact.Raw(rec))
			}
		}
		break
	}
	out.TotalPages = intField(envelope, totalPagesKeys)
	out.Page = intField(envelope, currentPageKeys)
	return out, nil
}

// intField extracts the first present key as an int, tolerating number,
// string, and json.Number encodings.
func intField(m map[string]interface{}, keys []string) int {
	for _, key := range keys {
		v, ok := m[key]
		if !ok {
			continue
		}
		switch val := v.(type) {
		case float64:
			return int(val)
		case json.Number:
			if n, err := val.Int64(); err == nil {
				return int(n)
			}
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				return n
			}
		}
	}
	return 0
}
