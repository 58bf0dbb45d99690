package audience

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"

	"github.com/ignite/visitor-insights/internal/visitor"
)

const (
	defaultInsertBatchSize = 200
	defaultUpdateBatchSize = 50
	defaultKeyScanWindow   = 1000
)

// Writer reconciles aggregated visitor profiles with existing storage
// rows: new identities are inserted in bounded batches, existing ones
// updated in bounded concurrent batches. Per-batch failures are logged
// and excluded from the counts; a partial success is a success.
type Writer struct {
	store           *Store
	insertBatchSize int
	updateBatchSize int
	keyScanWindow   int
}

// WriterConfig tunes batch sizes. Zero values take the defaults.
type WriterConfig struct {
	InsertBatchSize int
	UpdateBatchSize int
	KeyScanWindow   int
}

// NewWriter creates a batch upsert writer.
func NewWriter(store *Store, cfg WriterConfig) *Writer {
	w := &Writer{
		store:           store,
		insertBatchSize: cfg.InsertBatchSize,
		updateBatchSize: cfg.UpdateBatchSize,
		keyScanWindow:   cfg.KeyScanWindow,
	}
	if w.insertBatchSize <= 0 {
		w.insertBatchSize = defaultInsertBatchSize
	}
	if w.updateBatchSize <= 0 {
		w.updateBatchSize = defaultUpdateBatchSize
	}
	if w.keyScanWindow <= 0 {
		w.keyScanWindow = defaultKeyScanWindow
	}
	return w
}

// Reconcile computes the insert/update split for the incoming profiles
// against the scope's existing visitor rows and applies both sides in
// batches. When audienceID is non-empty, the parent audience is stamped
// with the outcome on success and failure paths alike.
func (w *Writer) Reconcile(ctx context.Context, audienceID string, profiles []*visitor.Profile, scope Scope) (*ReconcileResult, error) {
	existing, err := w.loadExistingKeys(ctx, scope)
	if err != nil {
		if audienceID != "" {
			w.stamp(ctx, audienceID, fmt.Sprintf("reconcile failed: %v", err), len(profiles))
		}
		return nil, err
	}

	var toInsert []*visitor.Profile
	type update struct {
		rowID   string
		profile *visitor.Profile
	}
	var toUpdate []update
	for _, p := range profiles {
		if rowID, ok := existing[p.VisitorID]; ok {
			toUpdate = append(toUpdate, update{rowID: rowID, profile: p})
		} else {
			toInsert = append(toInsert, p)
		}
	}

	result := &ReconcileResult{}

	for start := 0; start < len(toInsert); start += w.insertBatchSize {
		end := start + w.insertBatchSize
		if end > len(toInsert) {
			end = len(toInsert)
		}
		n, err := w.store.InsertVisitors(ctx, scope, toInsert[start:end])
		if err != nil {
			log.Printf("writer: insert batch at offset %d failed (%d rows skipped): %v", start, end-start, err)
			continue
		}
		result.Inserted += n
	}

	var updated int64
	for start := 0; start < len(toUpdate); start += w.updateBatchSize {
		end := start + w.updateBatchSize
		if end > len(toUpdate) {
			end = len(toUpdate)
		}

		var wg sync.WaitGroup
		for _, u := range toUpdate[start:end] {
			wg.Add(1)
			go func(rowID string, p *visitor.Profile) {
				defer wg.Done()
				if err := w.store.UpdateVisitor(ctx, rowID, p); err != nil {
					log.Printf("writer: update failed for visitor row %s: %v", rowID, err)
					return
				}
				atomic.AddInt64(&updated, 1)
			}(u.rowID, u.profile)
		}
		wg.Wait()
	}
	result.Updated = int(updated)

	if audienceID != "" {
		status := fmt.Sprintf("sync completed: %d inserted, %d updated of %d fetched",
			result.Inserted, result.Updated, len(profiles))
		w.stamp(ctx, audienceID, status, len(profiles))
	}

	return result, nil
}

// loadExistingKeys pages through the scope's identity keys in fixed-size
// windows, building the visitor id → row id map without an unbounded
// result set.
func (w *Writer) loadExistingKeys(ctx context.Context, scope Scope) (map[string]string, error) {
	existing := make(map[string]string)
	for offset := 0; ; offset += w.keyScanWindow {
		window, err := w.store.VisitorKeys(ctx, scope, offset, w.keyScanWindow)
		if err != nil {
			return nil, fmt.Errorf("load visitor keys at offset %d: %w", offset, err)
		}
		for k, v := range window {
			existing[k] = v
		}
		if len(window) < w.keyScanWindow {
			return existing, nil
		}
	}
}

func (w *Writer) stamp(ctx context.Context, audienceID, status string, fetched int) {
	if err := w.store.StampFetchStatus(ctx, audienceID, status, fetched); err != nil {
		log.Printf("writer: failed to stamp audience %s: %v", audienceID, err)
	}
}
