// Package retention deletes items past the retention horizon together with
// their attachment files.
//
// Rows are always deleted and committed before their files, so a reader
// never sees an item whose attachment is already gone. Files that cannot be
// removed become orphans and are collected by the orphan sweep of a later
// pass.
package retention

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bryan-buckman/telereader/internal/database"
	"github.com/bryan-buckman/telereader/internal/metrics"
)

// Store is the persistence the pruner needs.
type Store interface {
	DeleteItemsOlderThan(ctx context.Context, cutoff time.Time) (database.Removal, error)
	DeleteItemsBeyondLatest(ctx context.Context, keep int) (database.Removal, error)
	DeleteAllItems(ctx context.Context) (database.Removal, error)
	AttachmentRefs(ctx context.Context) (map[string]struct{}, error)
}

// Files is the attachment storage the pruner cleans.
type Files interface {
	Delete(ref string) error
	List() ([]string, error)
}

// Policy bounds what is kept. Zero fields disable their rule.
type Policy struct {
	// KeepPerChannel keeps only the newest N items of each channel.
	KeepPerChannel int
	// MaxAge drops items whose origin timestamp is older than now - MaxAge.
	MaxAge time.Duration
}

// Enabled reports whether the policy removes anything.
func (p Policy) Enabled() bool {
	return p.KeepPerChannel > 0 || p.MaxAge > 0
}

// Result counts what a pass removed.
type Result struct {
	Items        int64 `json:"items"`
	Files        int   `json:"files"`
	Orphans      int   `json:"orphans"`
	FileFailures int   `json:"file_failures"`
}

func (r *Result) add(o Result) {
	r.Items += o.Items
	r.Files += o.Files
	r.Orphans += o.Orphans
	r.FileFailures += o.FileFailures
}

// Pruner applies retention.
type Pruner struct {
	store   Store
	files   Files
	metrics *metrics.Metrics
	logger  *zap.Logger
	now     func() time.Time
}

// New creates a pruner.
func New(store Store, files Files, m *metrics.Metrics, logger *zap.Logger) *Pruner {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pruner{store: store, files: files, metrics: m, logger: logger, now: time.Now}
}

// Prune applies the age horizon, then the per-channel cap, then sweeps
// orphaned files.
func (p *Pruner) Prune(ctx context.Context, policy Policy) (Result, error) {
	var res Result

	if policy.MaxAge > 0 {
		cutoff := p.now().UTC().Add(-policy.MaxAge)
		removal, err := p.store.DeleteItemsOlderThan(ctx, cutoff)
		if err != nil {
			return res, fmt.Errorf("delete items older than %s: %w", cutoff.Format(time.RFC3339), err)
		}
		res.add(p.removeFiles(removal))
	}

	if policy.KeepPerChannel > 0 {
		removal, err := p.store.DeleteItemsBeyondLatest(ctx, policy.KeepPerChannel)
		if err != nil {
			return res, fmt.Errorf("delete items beyond latest %d: %w", policy.KeepPerChannel, err)
		}
		res.add(p.removeFiles(removal))
	}

	orphans, err := p.sweepOrphans(ctx)
	res.add(orphans)
	if err != nil {
		return res, err
	}

	p.logger.Info("retention pass finished",
		zap.Int64("items", res.Items),
		zap.Int("files", res.Files),
		zap.Int("orphans", res.Orphans),
		zap.Int("file_failures", res.FileFailures),
	)
	return res, nil
}

// Purge deletes every item and every attachment file.
func (p *Pruner) Purge(ctx context.Context) (Result, error) {
	removal, err := p.store.DeleteAllItems(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("delete all items: %w", err)
	}
	res := p.removeFiles(removal)
	orphans, err := p.sweepOrphans(ctx)
	res.add(orphans)
	if err != nil {
		return res, err
	}
	p.logger.Info("purged all items", zap.Int64("items", res.Items), zap.Int("files", res.Files+res.Orphans))
	return res, nil
}

func (p *Pruner) removeFiles(removal database.Removal) Result {
	res := Result{Items: removal.Items}
	for _, ref := range removal.AttachmentRefs {
		if err := p.files.Delete(ref); err != nil {
			res.FileFailures++
			p.logger.Warn("failed to delete attachment", zap.String("ref", ref), zap.Error(err))
			continue
		}
		res.Files++
	}
	p.metrics.PrunedItems.Add(float64(res.Items))
	p.metrics.PrunedFiles.Add(float64(res.Files))
	p.metrics.FileDeleteFailures.Add(float64(res.FileFailures))
	return res
}

// sweepOrphans deletes files no item references.
func (p *Pruner) sweepOrphans(ctx context.Context) (Result, error) {
	var res Result
	referenced, err := p.store.AttachmentRefs(ctx)
	if err != nil {
		return res, fmt.Errorf("load attachment refs: %w", err)
	}
	refs, err := p.files.List()
	if err != nil {
		return res, fmt.Errorf("list attachments: %w", err)
	}
	for _, ref := range refs {
		if _, ok := referenced[ref]; ok {
			continue
		}
		if err := p.files.Delete(ref); err != nil {
			res.FileFailures++
			p.logger.Warn("failed to delete orphaned attachment", zap.String("ref", ref), zap.Error(err))
			continue
		}
		res.Orphans++
	}
	p.metrics.PrunedFiles.Add(float64(res.Orphans))
	p.metrics.FileDeleteFailures.Add(float64(res.FileFailures))
	return res, nil
}
