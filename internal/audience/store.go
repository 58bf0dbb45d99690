package audience

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ignite/visitor-insights/internal/contact"
	"github.com/ignite/visitor-insights/internal/visitor"
)

// Store implements audience, contact, and visitor persistence against
// PostgreSQL. Contacts are stored append-only in audience_contacts keyed
// by (audience_id, page, row_no) so a replayed chunk inserts nothing new;
// finalize counts rows directly instead of trusting client totals.
type Store struct{ db *sql.DB }

// NewStore creates a Postgres-backed store.
func NewStore(db *sql.DB) *Store { return &Store{db: db} }

// ========== Audiences ==========

func (s *Store) CreateAudience(ctx context.Context, a *Audience) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Status == "" {
		a.Status = StatusPending
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audiences (id, name, source_url, owner_id, pixel_id, status, progress, total_pages, auto_refresh, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
	`, a.ID, a.Name, a.SourceURL, a.OwnerID, a.PixelID, a.Status, a.Progress, a.TotalPages, a.AutoRefresh)
	if err != nil {
		return fmt.Errorf("create audience: %w", err)
	}
	return nil
}

func (s *Store) GetAudience(ctx context.Context, id string) (*Audience, error) {
	var a Audience
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_url, owner_id, pixel_id, status, progress, total_pages, total_records, auto_refresh, last_fetched_at, created_at, updated_at
		FROM audiences WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &a.SourceURL, &a.OwnerID, &a.PixelID, &a.Status, &a.Progress,
		&a.TotalPages, &a.TotalRecords, &a.AutoRefresh, &a.LastFetchAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audience: %w", err)
	}
	return &a, nil
}

// FindPendingRequest returns the pending audience created for an earlier
// request id, if any. Init links to it instead of creating a duplicate
// job identity.
func (s *Store) FindPendingRequest(ctx context.Context, requestID string) (*Audience, error) {
	var a Audience
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, source_url, owner_id, pixel_id, status, progress, total_pages, total_records, auto_refresh, last_fetched_at, created_at, updated_at
		FROM audiences WHERE request_id = $1 AND status = $2
		ORDER BY created_at DESC LIMIT 1
	`, requestID, StatusPending).Scan(&a.ID, &a.Name, &a.SourceURL, &a.OwnerID, &a.PixelID, &a.Status, &a.Progress,
		&a.TotalPages, &a.TotalRecords, &a.AutoRefresh, &a.LastFetchAt, &a.CreatedAt, &a.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find pending request: %w", err)
	}
	return &a, nil
}

// LinkPendingRequest attaches a request id to a newly created audience so
// later init calls with the same request id reuse the job.
func (s *Store) LinkPendingRequest(ctx context.Context, audienceID, requestID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE audiences SET request_id = $2, updated_at = NOW() WHERE id = $1`,
		audienceID, requestID)
	if err != nil {
		return fmt.Errorf("link pending request: %w", err)
	}
	return nil
}

// UpdateProgress stamps the job's state between phases. Progress is a
// human-readable note ("imported pages 2-11 of 23"), not machine state.
func (s *Store) UpdateProgress(ctx context.Context, id, status, progress string, totalPages int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audiences SET status = $2, progress = $3, total_pages = $4, updated_at = NOW() WHERE id = $1
	`, id, status, progress, totalPages)
	if err != nil {
		return fmt.Errorf("update audience progress: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCompleted seals the audience with its authoritative record count.
func (s *Store) MarkCompleted(ctx context.Context, id, summary string, totalRecords int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE audiences SET status = $2, progress = $3, total_records = $4, updated_at = NOW() WHERE id = $1
	`, id, StatusCompleted, summary, totalRecords)
	if err != nil {
		return fmt.Errorf("mark audience completed: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// StampFetchStatus records the outcome of a writer run on the parent
// audience. Written on success and failure paths alike so observers can
// see the outcome without reading logs.
func (s *Store) StampFetchStatus(ctx context.Context, id, status string, fetched int) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE audiences SET progress = $2, total_records = $3, last_fetched_at = NOW(), updated_at = NOW() WHERE id = $1
	`, id, status, fetched)
	if err != nil {
		return fmt.Errorf("stamp fetch status: %w", err)
	}
	return nil
}

// ListAutoRefresh returns audiences flagged for periodic re-import.
func (s *Store) ListAutoRefresh(ctx context.Context) ([]Audience, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, source_url, owner_id, pixel_id, status, progress, total_pages, total_records, auto_refresh, last_fetched_at, created_at, updated_at
		FROM audiences WHERE auto_refresh = true AND status = $1
		ORDER BY last_fetched_at ASC NULLS FIRST
	`, StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("list auto-refresh audiences: %w", err)
	}
	defer rows.Close()

	var out []Audience
	for rows.Next() {
		var a Audience
		if err := rows.Scan(&a.ID, &a.Name, &a.SourceURL, &a.OwnerID, &a.PixelID, &a.Status, &a.Progress,
			&a.TotalPages, &a.TotalRecords, &a.AutoRefresh, &a.LastFetchAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan audience: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ========== Audience contacts (append-only child table) ==========

// InsertContacts appends one page's normalized records. The conflict
// target (audience_id, page, row_no) makes a replayed page a no-op, so a
// retried chunk cannot double-count in finalize. Returns rows actually
// inserted.
func (s *Store) InsertContacts(ctx context.Context, audienceID string, page int, recs []*contact.Normalized) (int, error) {
	if len(recs) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO audience_contacts (audience_id, page, row_no, visitor_key, email, payload, created_at) VALUES `)
	args := make([]interface{}, 0, len(recs)*6)
	for i, rec := range recs {
		if i > 0 {
			sb.WriteString(", ")
		}
		payload, err := json.Marshal(rec.Raw)
		if err != nil {
			payload = []byte("{}")
		}
		base := len(args)
		sb.WriteString("($" + strconv.Itoa(base+1) + ", $" + strconv.Itoa(base+2) + ", $" + strconv.Itoa(base+3) +
			", $" + strconv.Itoa(base+4) + ", $" + strconv.Itoa(base+5) + ", $" + strconv.Itoa(base+6) + ", NOW())")
		args = append(args, audienceID, page, i, rec.VisitorID, rec.Email, string(payload))
	}
	sb.WriteString(` ON CONFLICT (audience_id, page, row_no) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert contacts page %d: %w", page, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// CountContacts is the authoritative record count for finalize.
func (s *Store) CountContacts(ctx context.Context, audienceID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM audience_contacts WHERE audience_id = $1`,
		audienceID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count contacts: %w", err)
	}
	return n, nil
}

// ClearContacts removes all child rows ahead of a reimport.
func (s *Store) ClearContacts(ctx context.Context, audienceID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM audience_contacts WHERE audience_id = $1`,
		audienceID,
	)
	if err != nil {
		return fmt.Errorf("clear contacts: %w", err)
	}
	return nil
}

// LoadContacts returns the audience's raw records in insertion order
// (page, then row), which preserves the fetch-page-order concatenation
// the aggregator's first-record-wins rule depends on.
func (s *Store) LoadContacts(ctx context.Context, audienceID string) ([]contact.Raw, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload FROM audience_contacts
		WHERE audience_id = $1
		ORDER BY page ASC, row_no ASC
	`, audienceID)
	if err != nil {
		return nil, fmt.Errorf("load contacts: %w", err)
	}
	defer rows.Close()

	var out []contact.Raw
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan contact payload: %w", err)
		}
		var raw contact.Raw
		if err := json.Unmarshal(payload, &raw); err != nil {
			// An unreadable stored payload is skipped, not fatal.
			continue
		}
		out = append(out, raw)
	}
	return out, rows.Err()
}

// ========== Visitors ==========

// VisitorKeys returns one window of identity keys for a scope, mapping
// visitor id → row id. The writer pages through windows so an owner with
// a huge visitor table never materializes in one result set.
func (s *Store) VisitorKeys(ctx context.Context, scope Scope, offset, limit int) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, visitor_id FROM visitors
		WHERE owner_id = $1 AND pixel_id = $2
		ORDER BY id ASC
		LIMIT $3 OFFSET $4
	`, scope.OwnerID, scope.PixelID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("visitor keys: %w", err)
	}
	defer rows.Close()

	keys := make(map[string]string)
	for rows.Next() {
		var id, visitorID string
		if err := rows.Scan(&id, &visitorID); err != nil {
			return nil, fmt.Errorf("scan visitor key: %w", err)
		}
		keys[visitorID] = id
	}
	return keys, rows.Err()
}

// InsertVisitors inserts a batch of new profiles. Identity collisions
// inside the batch window fall through to DO NOTHING; the row-level
// insert-if-absent semantics are what make concurrent batches safe
// without cross-row locking.
func (s *Store) InsertVisitors(ctx context.Context, scope Scope, profiles []*visitor.Profile) (int, error) {
	if len(profiles) == 0 {
		return 0, nil
	}

	var sb strings.Builder
	sb.WriteString(`INSERT INTO visitors
		(id, owner_id, pixel_id, visitor_id, email, full_name, first_name, last_name, company, job_title, city, state, country, linkedin_url,
		 page_views, clicks, form_submissions, max_scroll_depth, session_count, total_active_seconds, lead_score,
		 is_identified, identified_at, first_seen_at, last_seen_at, enrichment_data, metadata, created_at, updated_at) VALUES `)
	var args []interface{}
	for i, p := range profiles {
		if i > 0 {
			sb.WriteString(", ")
		}
		enrichment, metadata := marshalProfileJSON(p)
		base := len(args)
		sb.WriteString("(")
		for j := 1; j <= 27; j++ {
			if j > 1 {
				sb.WriteString(", ")
			}
			sb.WriteString("$" + strconv.Itoa(base+j))
		}
		sb.WriteString(", NOW(), NOW())")
		args = append(args,
			uuid.New().String(), scope.OwnerID, scope.PixelID, p.VisitorID,
			p.Email, p.FullName, p.FirstName, p.LastName, p.Company, p.JobTitle, p.City, p.State, p.Country, p.LinkedInURL,
			p.PageViews, p.Clicks, p.FormSubmissions, p.MaxScrollDepth, p.SessionCount, p.TotalActiveSecs, p.LeadScore,
			p.IsIdentified, p.IdentifiedAt, p.FirstSeenAt, p.LastSeenAt, enrichment, metadata,
		)
	}
	sb.WriteString(` ON CONFLICT (owner_id, pixel_id, visitor_id) DO NOTHING`)

	res, err := s.db.ExecContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, fmt.Errorf("insert visitors: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UpdateVisitor overwrites one existing row by id.
func (s *Store) UpdateVisitor(ctx context.Context, rowID string, p *visitor.Profile) error {
	enrichment, metadata := marshalProfileJSON(p)
	_, err := s.db.ExecContext(ctx, `
		UPDATE visitors SET
			email = $2, full_name = $3, first_name = $4, last_name = $5, company = $6, job_title = $7,
			city = $8, state = $9, country = $10, linkedin_url = $11,
			page_views = $12, clicks = $13, form_submissions = $14, max_scroll_depth = $15,
			session_count = $16, total_active_seconds = $17, lead_score = $18,
			is_identified = $19, identified_at = $20, first_seen_at = $21, last_seen_at = $22,
			enrichment_data = $23, metadata = $24, updated_at = NOW()
		WHERE id = $1
	`, rowID, p.Email, p.FullName, p.FirstName, p.LastName, p.Company, p.JobTitle,
		p.City, p.State, p.Country, p.LinkedInURL,
		p.PageViews, p.Clicks, p.FormSubmissions, p.MaxScrollDepth,
		p.SessionCount, p.TotalActiveSecs, p.LeadScore,
		p.IsIdentified, p.IdentifiedAt, p.FirstSeenAt, p.LastSeenAt,
		enrichment, metadata)
	if err != nil {
		return fmt.Errorf("update visitor %s: %w", rowID, err)
	}
	return nil
}

// ListVisitors returns one page of visitor rows for a scope, most
// recently seen first.
func (s *Store) ListVisitors(ctx context.Context, scope Scope, limit, offset int) ([]visitor.Profile, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM visitors WHERE owner_id = $1 AND pixel_id = $2`,
		scope.OwnerID, scope.PixelID,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count visitors: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT visitor_id, email, full_name, company, job_title, city, state, country,
		       page_views, clicks, form_submissions, max_scroll_depth, session_count, total_active_seconds, lead_score,
		       is_identified, identified_at, first_seen_at, last_seen_at
		FROM visitors
		WHERE owner_id = $1 AND pixel_id = $2
		ORDER BY last_seen_at DESC NULLS LAST
		LIMIT $3 OFFSET $4
	`, scope.OwnerID, scope.PixelID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list visitors: %w", err)
	}
	defer rows.Close()

	var out []visitor.Profile
	for rows.Next() {
		var p visitor.Profile
		if err := rows.Scan(&p.VisitorID, &p.Email, &p.FullName, &p.Company, &p.JobTitle, &p.City, &p.State, &p.Country,
			&p.PageViews, &p.Clicks, &p.FormSubmissions, &p.MaxScrollDepth, &p.SessionCount, &p.TotalActiveSecs, &p.LeadScore,
			&p.IsIdentified, &p.IdentifiedAt, &p.FirstSeenAt, &p.LastSeenAt); err != nil {
			return nil, 0, fmt.Errorf("scan visitor: %w", err)
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

func marshalProfileJSON(p *visitor.Profile) (string, string) {
	enrichment := "{}"
	if p.EnrichmentData != nil {
		if data, err := json.Marshal(p.EnrichmentData); err == nil {
			enrichment = string(data)
		}
	}
	metadata := "{}"
	if p.Metadata != nil {
		if data, err := json.Marshal(p.Metadata); err == nil {
			metadata = string(data)
		}
	}
	return enrichment, metadata
}

// ========== Audit ==========

// AuditSink receives import lifecycle events. The audit/event system is
// external to this pipeline; this is its consuming interface.
type AuditSink interface {
	Record(ctx context.Context, audienceID, action, detail string) error
}

// PGAuditSink writes audit records to the import_audit_log table.
type PGAuditSink struct{ db *sql.DB }

// NewPGAuditSink creates a Postgres-backed audit sink.
func NewPGAuditSink(db *sql.DB) *PGAuditSink { return &PGAuditSink{db: db} }

func (a *PGAuditSink) Record(ctx context.Context, audienceID, action, detail string) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO import_audit_log (id, audience_id, action, detail, created_at)
		VALUES ($1, $2, $3, $4, NOW())
	`, uuid.New().String(), audienceID, action, detail)
	if err != nil {
		return fmt.Errorf("audit record: %w", err)
	}
	return nil
}
