// Package storage manages the dated snapshot directories of the backup tree.
package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/CrackerCat/Android-DataBackup/internal/gateway"
	"github.com/CrackerCat/Android-DataBackup/internal/logging"
)

const (
	// CoverDate is the single snapshot directory used by the cover strategy.
	CoverDate = "Cover"
	// DateLayout names snapshot directories of the by-time strategy.
	DateLayout = "2006-01-02_15-04-05"
)

// SnapshotDate returns the directory name for a snapshot taken at t.
func SnapshotDate(t time.Time) string {
	return t.Format(DateLayout)
}

// RetentionConfig defines the retention policy configuration
type RetentionConfig struct {
	// MaxSnapshots is the number of dated snapshots kept per subject; 0 keeps all.
	MaxSnapshots int
}

// RetentionSummary captures what happened during one retention pass.
type RetentionSummary struct {
	Deleted   []string
	Remaining int
	Failed    []string
}

// StorageError represents a failed storage operation.
type StorageError struct {
	Operation string
	Path      string
	Err       error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s failed for %s: %v", e.Operation, e.Path, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// ClassifySnapshots splits dates into those to keep and those to delete,
// newest first. Names that are not by-time dates (like Cover) are always kept.
func ClassifySnapshots(dates []string, cfg RetentionConfig) (keep, remove []string) {
	var dated []string
	for _, d := range dates {
		if _, err := time.Parse(DateLayout, d); err != nil {
			keep = append(keep, d)
			continue
		}
		dated = append(dated, d)
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dated)))
	for i, d := range dated {
		if cfg.MaxSnapshots > 0 && i >= cfg.MaxSnapshots {
			remove = append(remove, d)
		} else {
			keep = append(keep, d)
		}
	}
	return keep, remove
}

// Retention deletes old snapshot directories through the gateway.
type Retention struct {
	gw     gateway.Gateway
	logger *logging.Logger
	cfg    RetentionConfig
}

// NewRetention creates a retention policy runner.
func NewRetention(gw gateway.Gateway, logger *logging.Logger, cfg RetentionConfig) *Retention {
	return &Retention{gw: gw, logger: logger, cfg: cfg}
}

// Enabled reports whether any snapshot can ever be deleted.
func (r *Retention) Enabled() bool {
	return r != nil && r.cfg.MaxSnapshots > 0
}

// Apply removes the snapshot directories of subjectDir beyond the limit.
// Only directories actually deleted are reported in Deleted.
func (r *Retention) Apply(ctx context.Context, subjectDir string, dates []string) RetentionSummary {
	var summary RetentionSummary
	if !r.Enabled() {
		summary.Remaining = len(dates)
		return summary
	}
	keep, remove := ClassifySnapshots(dates, r.cfg)
	summary.Remaining = len(keep)
	for _, date := range remove {
		path := filepath.Join(subjectDir, date)
		if !r.gw.DeleteRecursive(ctx, path) {
			err := &StorageError{Operation: "delete", Path: path, Err: fmt.Errorf("gateway refused")}
			r.logger.Warning("%v", err)
			summary.Failed = append(summary.Failed, date)
			summary.Remaining++
			continue
		}
		summary.Deleted = append(summary.Deleted, date)
	}
	if len(summary.Deleted) > 0 {
		r.logger.Info("Retention removed %d snapshot(s) from %s", len(summary.Deleted), subjectDir)
	}
	return summary
}
