package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/visitor-insights/internal/audience"
	"github.com/ignite/visitor-insights/internal/cache"
	"github.com/ignite/visitor-insights/internal/pkg/httputil"
	"github.com/ignite/visitor-insights/internal/pkg/logger"
)

// AudienceHandler serves audience status and visitor listing reads, plus
// the clear operation that precedes a reimport.
type AudienceHandler struct {
	store *audience.Store
	cache *cache.Cache
	scope audience.Scope
}

// NewAudienceHandler creates the audience read/clear handler.
func NewAudienceHandler(store *audience.Store, c *cache.Cache, scope audience.Scope) *AudienceHandler {
	return &AudienceHandler{store: store, cache: c, scope: scope}
}

// GetAudience returns the current job record. Responses are cached
// briefly; every import mutation invalidates the audience's prefix.
func (h *AudienceHandler) GetAudience(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.BadRequest(w, "audience id is required")
		return
	}

	cacheKey := "audience:" + id + ":status"
	if body, ok, err := h.cache.Get(r.Context(), cacheKey); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write(body)
		return
	}

	aud, err := h.store.GetAudience(r.Context(), id)
	if err != nil {
		if errors.Is(err, audience.ErrNotFound) {
			httputil.NotFound(w, "audience not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	if body, err := json.Marshal(aud); err == nil {
		if err := h.cache.Set(r.Context(), cacheKey, body); err != nil {
			logger.Warn("audience status cache write failed", "audience_id", id, "error", err.Error())
		}
	}
	httputil.OK(w, aud)
}

// ClearContacts empties an audience's staged contacts so a reimport can
// start from a clean slate. The job record itself survives.
func (h *AudienceHandler) ClearContacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		httputil.BadRequest(w, "audience id is required")
		return
	}

	if _, err := h.store.GetAudience(r.Context(), id); err != nil {
		if errors.Is(err, audience.ErrNotFound) {
			httputil.NotFound(w, "audience not found")
			return
		}
		httputil.InternalError(w, err)
		return
	}

	if err := h.store.ClearContacts(r.Context(), id); err != nil {
		httputil.InternalError(w, err)
		return
	}
	if err := h.cache.InvalidateByPrefix(r.Context(), "audience:"+id); err != nil {
		logger.Warn("cache invalidation failed", "audience_id", id, "error", err.Error())
	}
	httputil.OK(w, map[string]interface{}{"success": true, "audience_id": id})
}

// ListVisitors pages through the materialized visitor profiles for the
// handler's tenant scope.
func (h *AudienceHandler) ListVisitors(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit < 1 || limit > 500 {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	profiles, total, err := h.store.ListVisitors(r.Context(), h.scope, limit, offset)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}

	httputil.OK(w, map[string]interface{}{
		"visitors": profiles,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
