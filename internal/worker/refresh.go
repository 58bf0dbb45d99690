// Package worker hosts the background auto-refresh loop. Audiences
// flagged auto_refresh get their source endpoint refetched on an
// interval so visitor profiles track the upstream without manual
// reimports.
package worker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ignite/visitor-insights/internal/audience"
	"github.com/ignite/visitor-insights/internal/pkg/logger"
)

// Refresher periodically reruns the full pipeline for every audience
// with auto-refresh enabled. Cycles never overlap; a manual trigger is
// a no-op while a cycle is in flight.
type Refresher struct {
	store    *audience.Store
	pipeline *audience.Pipeline
	interval time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	running  int32
	lastRun  atomic.Value // time.Time
	trigger  chan struct{}
}

// RefreshStatus is the shape returned by the status endpoint.
type RefreshStatus struct {
	Running   bool       `json:"running"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	Interval  string     `json:"interval"`
}

// NewRefresher creates the worker. Intervals at or below zero default
// to one hour.
func NewRefresher(store *audience.Store, pipeline *audience.Pipeline, interval time.Duration) *Refresher {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Refresher{
		store:    store,
		pipeline: pipeline,
		interval: interval,
		trigger:  make(chan struct{}, 1),
	}
}

// Start launches the refresh loop.
func (rf *Refresher) Start() {
	rf.ctx, rf.cancel = context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(rf.interval)
		defer ticker.Stop()
		for {
			select {
			case <-rf.ctx.Done():
				return
			case <-ticker.C:
				rf.runOnce()
			case <-rf.trigger:
				rf.runOnce()
			}
		}
	}()
}

// Stop cancels the loop. An in-flight cycle observes the cancelled
// context and winds down.
func (rf *Refresher) Stop() {
	if rf.cancel != nil {
		rf.cancel()
	}
}

// Trigger requests an immediate cycle. Returns false if one is already
// running or queued.
func (rf *Refresher) Trigger() bool {
	if atomic.LoadInt32(&rf.running) == 1 {
		return false
	}
	select {
	case rf.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

// IsRunning reports whether a cycle is in flight.
func (rf *Refresher) IsRunning() bool { return atomic.LoadInt32(&rf.running) == 1 }

// LastRunAt returns when the last cycle started, zero if never.
func (rf *Refresher) LastRunAt() time.Time {
	if v := rf.lastRun.Load(); v != nil {
		return v.(time.Time)
	}
	return time.Time{}
}

// Status snapshots the worker state for the API.
func (rf *Refresher) Status() RefreshStatus {
	st := RefreshStatus{Running: rf.IsRunning(), Interval: rf.interval.String()}
	if t := rf.LastRunAt(); !t.IsZero() {
		st.LastRunAt = &t
	}
	return st
}

// runOnce refreshes every auto-refresh audience sequentially. Each
// audience already fans its page fetches out in parallel, so one at a
// time keeps pressure on the upstream bounded.
func (rf *Refresher) runOnce() {
	if !atomic.CompareAndSwapInt32(&rf.running, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&rf.running, 0)

	ctx := rf.ctx
	rf.lastRun.Store(time.Now())

	audiences, err := rf.store.ListAutoRefresh(ctx)
	if err != nil {
		logger.Error("refresh: list audiences failed", "error", err.Error())
		return
	}
	if len(audiences) == 0 {
		return
	}

	logger.Info("refresh cycle starting", "audiences", len(audiences))
	for _, aud := range audiences {
		if ctx.Err() != nil {
			return
		}
		scope := audience.Scope{OwnerID: aud.OwnerID, PixelID: aud.PixelID}
		result, err := rf.pipeline.Run(ctx, aud.ID, aud.SourceURL, scope)
		if err != nil {
			logger.Error("refresh: audience failed", "audience_id", aud.ID, "error", err.Error())
			continue
		}
		logger.Info("refresh: audience done",
			"audience_id", aud.ID,
			"inserted", result.Inserted,
			"updated", result.Updated)
	}
}
