package audience

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ignite/visitor-insights/internal/enrich"
)

// upstreamServer serves an enrichment endpoint with the given number of
// pages, two records per page.
func upstreamServer(totalPages int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page < 1 {
			page = 1
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"data":[{"UUID":"v%d-a","email":"a%d@example.com"},{"UUID":"v%d-b"}],"total_pages":%d,"page":%d}`,
			page, page, page, totalPages, page)
	}))
}

func newTestImporter(t *testing.T) (*Importer, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("Failed to create sqlmock: %v", err)
	}
	client := enrich.NewClient(enrich.Config{MaxRetries: 1})
	client.SetHTTPClient(&http.Client{})
	imp := NewImporter(NewStore(db), client, nil, nil, Scope{OwnerID: "o1", PixelID: "px1"})
	return imp, mock, func() { db.Close() }
}

func audienceRows(id, name, url string, totalPages int) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "name", "source_url", "owner_id", "pixel_id", "status", "progress",
		"total_pages", "total_records", "auto_refresh", "last_fetched_at", "created_at", "updated_at",
	}).AddRow(id, name, url, "o1", "px1", StatusImporting, "", totalPages, 0, false, nil, now, now)
}

func TestInit(t *testing.T) {
	server := upstreamServer(12)
	defer server.Close()

	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO audiences`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audience_contacts`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE audiences SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := imp.Init(context.Background(), InitRequest{Name: "Q3 leads", URL: server.URL})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if !result.Success || result.Step != "init" {
		t.Errorf("result = %+v, want success init", result)
	}
	if result.TotalPages != 12 {
		t.Errorf("TotalPages = %d, want 12", result.TotalPages)
	}
	if result.RecordsFetched != 2 {
		t.Errorf("RecordsFetched = %d, want 2 from page 1 only", result.RecordsFetched)
	}
	if result.AudienceID == "" {
		t.Error("AudienceID is empty")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestInitValidation(t *testing.T) {
	imp, _, cleanup := newTestImporter(t)
	defer cleanup()

	tests := []struct {
		name string
		req  InitRequest
	}{
		{"missing name", InitRequest{URL: "https://api.example.com"}},
		{"missing url", InitRequest{Name: "x"}},
		{"bad scheme", InitRequest{Name: "x", URL: "ftp://api.example.com"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := imp.Init(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestInitUpstreamFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	// The job record is created before the fetch and stays pending.
	mock.ExpectExec(`INSERT INTO audiences`).WillReturnResult(sqlmock.NewResult(0, 1))

	_, err := imp.Init(context.Background(), InitRequest{Name: "x", URL: server.URL})
	if !errors.Is(err, ErrUpstream) {
		t.Errorf("err = %v, want ErrUpstream", err)
	}
}

func TestInitReusesPendingRequest(t *testing.T) {
	server := upstreamServer(3)
	defer server.Close()

	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	// A prior init with the same request id left a pending job; no new
	// audience row is created.
	mock.ExpectQuery(`FROM audiences WHERE request_id`).
		WithArgs("req-42", StatusPending).
		WillReturnRows(audienceRows("aud-7", "Q3 leads", server.URL, 0))
	mock.ExpectExec(`INSERT INTO audience_contacts`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE audiences SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := imp.Init(context.Background(), InitRequest{Name: "Q3 leads", URL: server.URL, RequestID: "req-42"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	if result.AudienceID != "aud-7" {
		t.Errorf("AudienceID = %q, want the reused aud-7", result.AudienceID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestChunk(t *testing.T) {
	server := upstreamServer(10)
	defer server.Close()

	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	mock.ExpectQuery(`FROM audiences WHERE id`).
		WithArgs("aud-1").
		WillReturnRows(audienceRows("aud-1", "Q3 leads", server.URL, 10))
	// Pages 2-5, one insert per page.
	for i := 0; i < 4; i++ {
		mock.ExpectExec(`INSERT INTO audience_contacts`).WillReturnResult(sqlmock.NewResult(0, 2))
	}
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audience_contacts`).
		WithArgs("aud-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectExec(`UPDATE audiences SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := imp.Chunk(context.Background(), ChunkRequest{AudienceID: "aud-1", PageStart: 2, PageEnd: 5})
	if err != nil {
		t.Fatalf("Chunk: %v", err)
	}
	if result.PagesFetched != 4 {
		t.Errorf("PagesFetched = %d, want 4", result.PagesFetched)
	}
	if result.ChunkRecords != 8 {
		t.Errorf("ChunkRecords = %d, want 8", result.ChunkRecords)
	}
	if result.TotalInserted != 10 {
		t.Errorf("TotalInserted = %d, want the live count 10", result.TotalInserted)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestChunkReplayIsIdempotent(t *testing.T) {
	server := upstreamServer(10)
	defer server.Close()

	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	mock.ExpectQuery(`FROM audiences WHERE id`).
		WillReturnRows(audienceRows("aud-1", "Q3 leads", server.URL, 10))
	// A replayed page hits ON CONFLICT DO NOTHING: zero rows affected.
	mock.ExpectExec(`INSERT INTO audience_contacts`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audience_contacts`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectExec(`UPDATE audiences SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := imp.Chunk(context.Background(), ChunkRequest{AudienceID: "aud-1", PageStart: 2, PageEnd: 2})
	if err != nil {
		t.Fatalf("Chunk replay: %v", err)
	}
	if result.ChunkRecords != 0 {
		t.Errorf("ChunkRecords = %d, replay must insert nothing", result.ChunkRecords)
	}
	if result.TotalInserted != 10 {
		t.Errorf("TotalInserted = %d, want unchanged 10", result.TotalInserted)
	}
}

func TestChunkValidation(t *testing.T) {
	imp, _, cleanup := newTestImporter(t)
	defer cleanup()

	tests := []struct {
		name string
		req  ChunkRequest
	}{
		{"missing audience id", ChunkRequest{PageStart: 2, PageEnd: 3}},
		{"zero page start", ChunkRequest{AudienceID: "a", PageStart: 0, PageEnd: 3}},
		{"inverted range", ChunkRequest{AudienceID: "a", PageStart: 5, PageEnd: 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := imp.Chunk(context.Background(), tt.req)
			if !errors.Is(err, ErrInvalidInput) {
				t.Errorf("err = %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestChunkUnknownAudience(t *testing.T) {
	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	mock.ExpectQuery(`FROM audiences WHERE id`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := imp.Chunk(context.Background(), ChunkRequest{AudienceID: "ghost", PageStart: 2, PageEnd: 3})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestFinalize(t *testing.T) {
	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	mock.ExpectQuery(`FROM audiences WHERE id`).
		WillReturnRows(audienceRows("aud-1", "Q3 leads", "https://api.example.com", 10))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audience_contacts`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(314))
	mock.ExpectExec(`UPDATE audiences SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := imp.Finalize(context.Background(), FinalizeRequest{AudienceID: "aud-1"})
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if result.Audience.TotalRecords != 314 {
		t.Errorf("TotalRecords = %d, want the live count 314", result.Audience.TotalRecords)
	}
	if result.Audience.ID != "aud-1" || result.Audience.Name != "Q3 leads" {
		t.Errorf("summary = %+v", result.Audience)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestReimportRequiresClearedContacts(t *testing.T) {
	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	mock.ExpectQuery(`FROM audiences WHERE id`).
		WillReturnRows(audienceRows("aud-1", "Q3 leads", "https://api.example.com", 10))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audience_contacts`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(42))

	_, err := imp.Reimport(context.Background(), ReimportRequest{
		AudienceID: "aud-1", URL: "https://api.example.com", Name: "Q3 leads",
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput when contacts remain", err)
	}
}

func TestReimport(t *testing.T) {
	server := upstreamServer(4)
	defer server.Close()

	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	mock.ExpectQuery(`FROM audiences WHERE id`).
		WillReturnRows(audienceRows("aud-1", "Q3 leads", server.URL, 10))
	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM audience_contacts`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec(`INSERT INTO audience_contacts`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE audiences SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := imp.Reimport(context.Background(), ReimportRequest{
		AudienceID: "aud-1", URL: server.URL, Name: "Q3 leads",
	})
	if err != nil {
		t.Fatalf("Reimport: %v", err)
	}
	if result.AudienceID != "aud-1" {
		t.Errorf("AudienceID = %q, reimport must keep the job identity", result.AudienceID)
	}
	if result.TotalPages != 4 {
		t.Errorf("TotalPages = %d, want the freshly discovered 4", result.TotalPages)
	}
}

func TestPersistPagesSkipsRecordsWithoutIdentity(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"UUID":"v1"},{"email":"anon@example.com"},{"UUID":"v2"}],"total_pages":1}`)
	}))
	defer server.Close()

	imp, mock, cleanup := newTestImporter(t)
	defer cleanup()

	mock.ExpectExec(`INSERT INTO audiences`).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO audience_contacts`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(`UPDATE audiences SET status`).WillReturnResult(sqlmock.NewResult(0, 1))

	result, err := imp.Init(context.Background(), InitRequest{Name: "x", URL: server.URL})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	// All three records came back from the fetch; only two had identity.
	if result.RecordsFetched != 3 {
		t.Errorf("RecordsFetched = %d, want 3", result.RecordsFetched)
	}
}
