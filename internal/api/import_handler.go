package api

import (
	"errors"
	"net/http"

	"github.com/ignite/visitor-insights/internal/audience"
	"github.com/ignite/visitor-insights/internal/cache"
	"github.com/ignite/visitor-insights/internal/pkg/httputil"
	"github.com/ignite/visitor-insights/internal/pkg/logger"
)

// ImportHandler exposes the chunked import protocol to the admin UI.
// One endpoint, body-dispatched: the caller drives init, then chunks
// covering 2..total_pages, then finalize, each as a separate invocation
// so no single request outlives its execution budget.
type ImportHandler struct {
	importer *audience.Importer
	cache    *cache.Cache
}

// NewImportHandler creates the import protocol handler.
func NewImportHandler(importer *audience.Importer, c *cache.Cache) *ImportHandler {
	return &ImportHandler{importer: importer, cache: c}
}

// importRequest is the union of all phase request bodies.
type importRequest struct {
	URL        string `json:"url"`
	Name       string `json:"name"`
	RequestID  string `json:"request_id"`
	AudienceID string `json:"audience_id"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	Finalize   bool   `json:"finalize"`
	Reimport   bool   `json:"reimport"`
	OwnerID    string `json:"owner_id"`
	PixelID    string `json:"pixel_id"`
}

// HandleImport dispatches a phase request by body shape:
// reimport:true → reimport-init; finalize:true → finalize;
// a page range plus audience_id → chunk; anything else → init.
func (h *ImportHandler) HandleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !httputil.Decode(w, r, &req) {
		return
	}

	ctx := r.Context()

	switch {
	case req.Reimport:
		result, err := h.importer.Reimport(ctx, audience.ReimportRequest{
			URL:        req.URL,
			Name:       req.Name,
			AudienceID: req.AudienceID,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.invalidate(r, result.AudienceID)
		httputil.OK(w, result)

	case req.Finalize:
		result, err := h.importer.Finalize(ctx, audience.FinalizeRequest{
			AudienceID: req.AudienceID,
			URL:        req.URL,
			RequestID:  req.RequestID,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.invalidate(r, req.AudienceID)
		httputil.OK(w, result)

	case req.AudienceID != "" && req.PageStart > 0:
		result, err := h.importer.Chunk(ctx, audience.ChunkRequest{
			URL:        req.URL,
			AudienceID: req.AudienceID,
			PageStart:  req.PageStart,
			PageEnd:    req.PageEnd,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.invalidate(r, req.AudienceID)
		httputil.OK(w, result)

	default:
		result, err := h.importer.Init(ctx, audience.InitRequest{
			URL:       req.URL,
			Name:      req.Name,
			RequestID: req.RequestID,
			OwnerID:   req.OwnerID,
			PixelID:   req.PixelID,
		})
		if err != nil {
			h.writeError(w, err)
			return
		}
		h.invalidate(r, result.AudienceID)
		httputil.OK(w, result)
	}
}

// writeError maps pipeline error classes to HTTP status codes: bad input
// 400, unknown job 404, upstream failure 502, everything else 500.
func (h *ImportHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, audience.ErrInvalidInput):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, audience.ErrNotFound):
		httputil.NotFound(w, "audience not found")
	case errors.Is(err, audience.ErrUpstream):
		logger.Error("import phase upstream failure", "error", err.Error())
		httputil.BadGateway(w, err.Error())
	default:
		httputil.InternalError(w, err)
	}
}

// invalidate drops cached status responses for an audience after a
// mutation, so a driving caller polling status never sees stale progress.
func (h *ImportHandler) invalidate(r *http.Request, audienceID string) {
	if audienceID == "" {
		return
	}
	if err := h.cache.InvalidateByPrefix(r.Context(), "audience:"+audienceID); err != nil {
		logger.Warn("cache invalidation failed", "audience_id", audienceID, "error", err.Error())
	}
}
