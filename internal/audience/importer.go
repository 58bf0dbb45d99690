// Package audience drives the resumable contact import pipeline: the
// three-phase chunked protocol (init → chunk → finalize), the batch
// upsert writer, and the Postgres persistence behind both.
//
// Importing an audience can mean fetching thousands of paginated records
// from the enrichment API, more than fits in one serverless invocation's
// execution budget. The import is therefore an externally-driven state
// machine: each phase is one invocation, progress lives in the audiences
// row and its append-only audience_contacts child table, and the caller
// drives chunk calls over 2..total_pages until coverage is complete.
package audience

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/ignite/visitor-insights/internal/archive"
	"github.com/ignite/visitor-insights/internal/contact"
	"github.com/ignite/visitor-insights/internal/enrich"
)

// ErrInvalidInput marks request validation failures. No partial state is
// created for these; handlers map them to HTTP 400.
var ErrInvalidInput = errors.New("invalid input")

// ErrUpstream marks enrichment API failures that prevented the phase
// from doing useful work. Handlers map these to HTTP 502; the phase can
// be retried as-is since progress is persisted, not held in memory.
var ErrUpstream = errors.New("upstream fetch failed")

// Importer executes the import phases against persisted job state.
type Importer struct {
	store    *Store
	client   *enrich.Client
	archive  *archive.Archive
	audit    AuditSink
	pipeline *Pipeline
	scope    Scope
}

// NewImporter creates an importer. archive may be nil (archival is
// best-effort); audit may be nil when no sink is configured.
func NewImporter(store *Store, client *enrich.Client, arc *archive.Archive, audit AuditSink, defaultScope Scope) *Importer {
	return &Importer{store: store, client: client, archive: arc, audit: audit, scope: defaultScope}
}

// SetPipeline attaches the aggregation pipeline so finalize can
// materialize visitor rows from the imported contacts.
func (imp *Importer) SetPipeline(p *Pipeline) { imp.pipeline = p }

// requestScope resolves the tenant boundary for a request, falling back
// to the importer's default scope.
func (imp *Importer) requestScope(ownerID, pixelID string) Scope {
	scope := imp.scope
	if ownerID != "" {
		scope.OwnerID = ownerID
	}
	if pixelID != "" {
		scope.PixelID = pixelID
	}
	return scope
}

// Init starts an import: fetch page 1 only, discover the page count,
// create (or link) the job record, and persist the page-1 result. The
// caller then drives chunk calls for the remaining pages.
func (imp *Importer) Init(ctx context.Context, req InitRequest) (*InitResult, error) {
	if strings.TrimSpace(req.Name) == "" {
		return nil, fmt.Errorf("%w: missing audience name", ErrInvalidInput)
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("%w: missing source URL", ErrInvalidInput)
	}
	if err := enrich.ValidateEndpoint(req.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// An earlier pending request with the same id is reused instead of
	// minting a duplicate job identity.
	var aud *Audience
	if req.RequestID != "" {
		existing, err := imp.store.FindPendingRequest(ctx, req.RequestID)
		if err != nil {
			return nil, err
		}
		aud = existing
	}

	scope := imp.requestScope(req.OwnerID, req.PixelID)
	if aud == nil {
		aud = &Audience{
			Name:      req.Name,
			SourceURL: req.URL,
			OwnerID:   scope.OwnerID,
			PixelID:   scope.PixelID,
			Status:    StatusPending,
		}
		if err := imp.store.CreateAudience(ctx, aud); err != nil {
			return nil, err
		}
		if req.RequestID != "" {
			if err := imp.store.LinkPendingRequest(ctx, aud.ID, req.RequestID); err != nil {
				log.Printf("importer: failed to link request %s to audience %s: %v", req.RequestID, aud.ID, err)
			}
		}
	}

	result, err := imp.client.FetchPage(ctx, req.URL, 1)
	if err != nil {
		// Leave the job pending; init is retryable against the same id.
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	inserted, skipped := imp.persistPages(ctx, aud.ID, result.Pages)
	progress := fmt.Sprintf("fetched page 1 of %d (%d records, %d skipped)", result.TotalPages, inserted, skipped)
	if err := imp.store.UpdateProgress(ctx, aud.ID, StatusImporting, progress, result.TotalPages); err != nil {
		return nil, err
	}

	imp.archive.SavePages(aud.ID, result.RawPages)

	return &InitResult{
		Success:        true,
		Step:           "init",
		AudienceID:     aud.ID,
		TotalPages:     result.TotalPages,
		RecordsFetched: len(result.Records),
	}, nil
}

// Chunk imports one inclusive page range into an existing job. The range
// is fetched in parallel batches, normalized, and appended to the child
// table; the running total comes from a live count, never from the
// caller.
func (imp *Importer) Chunk(ctx context.Context, req ChunkRequest) (*ChunkResult, error) {
	if req.AudienceID == "" {
		return nil, fmt.Errorf("%w: missing audience_id", ErrInvalidInput)
	}
	if req.PageStart < 1 || req.PageEnd < req.PageStart {
		return nil, fmt.Errorf("%w: invalid page range %d-%d", ErrInvalidInput, req.PageStart, req.PageEnd)
	}

	aud, err := imp.store.GetAudience(ctx, req.AudienceID)
	if err != nil {
		return nil, err
	}

	endpoint := req.URL
	if endpoint == "" {
		endpoint = aud.SourceURL
	}
	if err := enrich.ValidateEndpoint(endpoint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	result, err := imp.client.FetchPageRange(ctx, endpoint, req.PageStart, req.PageEnd)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	inserted, skipped := imp.persistPages(ctx, aud.ID, result.Pages)

	total, err := imp.store.CountContacts(ctx, aud.ID)
	if err != nil {
		return nil, err
	}

	progress := fmt.Sprintf("imported pages %d-%d of %d (%d records so far, %d skipped this chunk)",
		req.PageStart, req.PageEnd, aud.TotalPages, total, skipped)
	if err := imp.store.UpdateProgress(ctx, aud.ID, StatusImporting, progress, aud.TotalPages); err != nil {
		return nil, err
	}

	imp.archive.SavePages(aud.ID, result.RawPages)

	return &ChunkResult{
		Success:       true,
		Step:          "chunk",
		PagesFetched:  len(result.Pages),
		ChunkRecords:  inserted,
		TotalInserted: total,
	}, nil
}

// Finalize seals a job: the authoritative record count comes from a
// direct count against storage, tolerating double-submitted or partially
// failed chunks, then the audience is stamped complete and an audit
// record emitted.
func (imp *Importer) Finalize(ctx context.Context, req FinalizeRequest) (*FinalizeResult, error) {
	if req.AudienceID == "" {
		return nil, fmt.Errorf("%w: missing audience_id", ErrInvalidInput)
	}

	aud, err := imp.store.GetAudience(ctx, req.AudienceID)
	if err != nil {
		return nil, err
	}

	total, err := imp.store.CountContacts(ctx, aud.ID)
	if err != nil {
		return nil, err
	}

	// Materialize visitor rows from the imported contacts before
	// sealing, so a failure here leaves the job finalizable on retry.
	if imp.pipeline != nil {
		if _, err := imp.pipeline.Materialize(ctx, aud); err != nil {
			return nil, fmt.Errorf("materialize visitors for audience %s: %w", aud.ID, err)
		}
	}

	summary := fmt.Sprintf("import completed: %d records across %d pages", total, aud.TotalPages)
	if err := imp.store.MarkCompleted(ctx, aud.ID, summary, total); err != nil {
		return nil, err
	}

	if imp.audit != nil {
		if err := imp.audit.Record(ctx, aud.ID, "import_finalized", summary); err != nil {
			log.Printf("importer: audit record failed for audience %s: %v", aud.ID, err)
		}
	}

	return &FinalizeResult{
		Success: true,
		Step:    "finalize",
		Audience: AudienceSummary{
			ID:           aud.ID,
			Name:         aud.Name,
			TotalRecords: total,
		},
	}, nil
}

// Reimport reruns an import under an existing audience identity. The
// caller must have cleared the child rows first (ClearContacts); this
// phase then behaves exactly like Init against the existing job.
func (imp *Importer) Reimport(ctx context.Context, req ReimportRequest) (*InitResult, error) {
	if req.AudienceID == "" {
		return nil, fmt.Errorf("%w: missing audience_id", ErrInvalidInput)
	}
	if strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("%w: missing source URL", ErrInvalidInput)
	}
	if err := enrich.ValidateEndpoint(req.URL); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	aud, err := imp.store.GetAudience(ctx, req.AudienceID)
	if err != nil {
		return nil, err
	}

	remaining, err := imp.store.CountContacts(ctx, aud.ID)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return nil, fmt.Errorf("%w: audience %s still has %d contacts; clear before reimport", ErrInvalidInput, aud.ID, remaining)
	}

	result, err := imp.client.FetchPage(ctx, req.URL, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	inserted, skipped := imp.persistPages(ctx, aud.ID, result.Pages)
	progress := fmt.Sprintf("reimport: fetched page 1 of %d (%d records, %d skipped)", result.TotalPages, inserted, skipped)
	if err := imp.store.UpdateProgress(ctx, aud.ID, StatusImporting, progress, result.TotalPages); err != nil {
		return nil, err
	}

	imp.archive.SavePages(aud.ID, result.RawPages)

	if imp.audit != nil {
		if err := imp.audit.Record(ctx, aud.ID, "reimport_started", progress); err != nil {
			log.Printf("importer: audit record failed for audience %s: %v", aud.ID, err)
		}
	}

	return &InitResult{
		Success:        true,
		Step:           "init",
		AudienceID:     aud.ID,
		TotalPages:     result.TotalPages,
		RecordsFetched: len(result.Records),
	}, nil
}

// persistPages normalizes and stores each fetched page. Records with no
// resolvable identity are skipped and counted, never fatal; a failed
// page insert is logged and the remaining pages proceed.
func (imp *Importer) persistPages(ctx context.Context, audienceID string, pages []enrich.Page) (inserted, skipped int) {
	for _, page := range pages {
		normalized := make([]*contact.Normalized, 0, len(page.Records))
		for _, raw := range page.Records {
			rec, ok := contact.Normalize(raw)
			if !ok {
				skipped++
				continue
			}
			normalized = append(normalized, rec)
		}
		n, err := imp.store.InsertContacts(ctx, audienceID, page.Number, normalized)
		if err != nil {
			log.Printf("importer: insert failed for audience %s page %d: %v", audienceID, page.Number, err)
			continue
		}
		inserted += n
	}
	return inserted, skipped
}
