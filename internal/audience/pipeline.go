package audience

import (
	"context"
	"fmt"
	"log"

	"github.com/ignite/visitor-insights/internal/contact"
	"github.com/ignite/visitor-insights/internal/enrich"
	"github.com/ignite/visitor-insights/internal/visitor"
)

// Pipeline runs the whole import flow in one pass: fetch every page,
// normalize, aggregate, reconcile. Suitable when the source is small
// enough for a single invocation; the chunked protocol exists for when
// it is not.
type Pipeline struct {
	store  *Store
	client *enrich.Client
	writer *Writer
}

// NewPipeline creates a single-pass pipeline around the shared store,
// client, and writer.
func NewPipeline(store *Store, client *enrich.Client, writer *Writer) *Pipeline {
	return &Pipeline{store: store, client: client, writer: writer}
}

// Run fetches all pages of an endpoint and reconciles the aggregated
// profiles into the scope's visitor rows. audienceID may be empty when
// the run is not tied to a job record.
func (p *Pipeline) Run(ctx context.Context, audienceID, endpoint string, scope Scope) (*ReconcileResult, error) {
	if err := enrich.ValidateEndpoint(endpoint); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	fetched, err := p.client.FetchAllPages(ctx, endpoint)
	if err != nil {
		if audienceID != "" {
			p.writer.stamp(ctx, audienceID, fmt.Sprintf("fetch failed: %v", err), 0)
		}
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	profiles, skips := aggregateRaw(fetched.Records)
	if len(skips) > 0 {
		log.Printf("pipeline: %d records skipped during aggregation for %s", len(skips), endpoint)
	}

	return p.writer.Reconcile(ctx, audienceID, profiles, scope)
}

// Materialize aggregates an audience's stored contacts into visitor rows.
// Run by finalize after a chunked import completes, so the chunked and
// single-pass flows converge on the same visitor table.
func (p *Pipeline) Materialize(ctx context.Context, aud *Audience) (*ReconcileResult, error) {
	raws, err := p.store.LoadContacts(ctx, aud.ID)
	if err != nil {
		return nil, err
	}

	profiles, skips := aggregateRaw(raws)
	if len(skips) > 0 {
		log.Printf("pipeline: %d stored records skipped during aggregation for audience %s", len(skips), aud.ID)
	}

	scope := Scope{OwnerID: aud.OwnerID, PixelID: aud.PixelID}
	return p.writer.Reconcile(ctx, aud.ID, profiles, scope)
}

// aggregateRaw normalizes raw records and folds them into profiles.
// Normalization skips (no identity) and aggregation skips are combined;
// both are per-record conditions, never batch errors.
func aggregateRaw(raws []contact.Raw) ([]*visitor.Profile, []visitor.Skip) {
	var skips []visitor.Skip
	normalized := make([]*contact.Normalized, 0, len(raws))
	for i, raw := range raws {
		rec, ok := contact.Normalize(raw)
		if !ok {
			skips = append(skips, visitor.Skip{Index: i, Reason: "no resolvable visitor id"})
			continue
		}
		normalized = append(normalized, rec)
	}

	profiles, aggSkips := visitor.Aggregate(normalized)
	skips = append(skips, aggSkips...)
	return profiles, skips
}
