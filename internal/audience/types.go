package audience

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an audience id references no known job.
// Surfaced to callers as HTTP 404; recovery is restarting from init.
var ErrNotFound = errors.New("audience not found")

// Audience statuses. An audience is the persisted state of one import
// job; status moves pending → importing → completed (or failed).
const (
	StatusPending   = "pending"
	StatusImporting = "importing"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Audience is one import job and its resulting contact list.
type Audience struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	SourceURL    string     `json:"source_url"`
	OwnerID      string     `json:"owner_id"`
	PixelID      string     `json:"pixel_id"`
	Status       string     `json:"status"`
	Progress     string     `json:"progress,omitempty"`
	TotalPages   int        `json:"total_pages"`
	TotalRecords int        `json:"total_records"`
	AutoRefresh  bool       `json:"auto_refresh"`
	LastFetchAt  *time.Time `json:"last_fetched_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Scope is the tenant boundary under which visitor identities are unique:
// one tracking pixel under one owner.
type Scope struct {
	OwnerID string
	PixelID string
}

// InitRequest starts an import: fetch page 1, create the job record.
type InitRequest struct {
	URL       string `json:"url"`
	Name      string `json:"name"`
	RequestID string `json:"request_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	PixelID   string `json:"pixel_id,omitempty"`
}

// InitResult is returned to the caller, which drives subsequent phases.
type InitResult struct {
	Success        bool   `json:"success"`
	Step           string `json:"step"`
	AudienceID     string `json:"audience_id"`
	TotalPages     int    `json:"total_pages"`
	RecordsFetched int    `json:"records_fetched"`
}

// ChunkRequest imports one inclusive page range into an existing job.
type ChunkRequest struct {
	URL        string `json:"url"`
	AudienceID string `json:"audience_id"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
}

// ChunkResult reports the chunk outcome plus a running authoritative
// total, so the caller can always compute what remains.
type ChunkResult struct {
	Success       bool `json:"success"`
	Step          string `json:"step"`
	PagesFetched  int  `json:"pages_fetched"`
	ChunkRecords  int  `json:"chunk_records"`
	TotalInserted int  `json:"total_inserted"`
}

// FinalizeRequest seals a job: the record count is recomputed from
// storage, never trusted from accumulated client-side counters.
type FinalizeRequest struct {
	AudienceID string `json:"audience_id"`
	URL        string `json:"url,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
}

// FinalizeResult carries the sealed audience summary.
type FinalizeResult struct {
	Success  bool            `json:"success"`
	Step     string          `json:"step"`
	Audience AudienceSummary `json:"audience"`
}

// AudienceSummary is the compact audience shape returned by finalize.
type AudienceSummary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	TotalRecords int    `json:"total_records"`
}

// ReimportRequest reruns an import under the same audience identity.
// Existing contacts must be cleared first via ClearContacts.
type ReimportRequest struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	AudienceID string `json:"audience_id"`
}

// ReconcileResult reports the insert/update split of a writer run.
// Failed batches are excluded from the counts, not raised.
type ReconcileResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}
