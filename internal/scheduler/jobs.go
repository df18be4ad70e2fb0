package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/tape/internal/archive"
	"github.com/aristath/tape/internal/repository"
)

// StoreMaintenanceJob checkpoints and vacuums the SQLite bar store
type StoreMaintenanceJob struct {
	repo *repository.SQLiteRepository
	log  zerolog.Logger
}

// NewStoreMaintenanceJob creates the nightly store maintenance job
func NewStoreMaintenanceJob(repo *repository.SQLiteRepository, log zerolog.Logger) *StoreMaintenanceJob {
	return &StoreMaintenanceJob{repo: repo, log: log.With().Str("job", "store_maintenance").Logger()}
}

// Name returns the job identifier
func (j *StoreMaintenanceJob) Name() string { return "store_maintenance" }

// Run executes the maintenance pass
func (j *StoreMaintenanceJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()
	return j.repo.Maintenance(ctx)
}

// CachePruneJob drops prefetch cache days past the retention window
type CachePruneJob struct {
	cache    *repository.PrefetchCache
	keepDays int
	log      zerolog.Logger
}

// NewCachePruneJob creates the prefetch cache pruning job
func NewCachePruneJob(cache *repository.PrefetchCache, keepDays int, log zerolog.Logger) *CachePruneJob {
	return &CachePruneJob{cache: cache, keepDays: keepDays, log: log.With().Str("job", "cache_prune").Logger()}
}

// Name returns the job identifier
func (j *CachePruneJob) Name() string { return "cache_prune" }

// Run prunes the cache
func (j *CachePruneJob) Run(context.Context) error {
	removed, err := j.cache.Prune(j.keepDays)
	if err != nil {
		return err
	}
	if removed > 0 {
		j.log.Info().Int("removed", removed).Msg("Prefetch cache pruned")
	}
	return nil
}

// ArchiveRetentionJob applies snapshot retention in the archive bucket
type ArchiveRetentionJob struct {
	uploader *archive.Uploader
	exchange string
	log      zerolog.Logger
}

// NewArchiveRetentionJob creates the nightly archive retention job
func NewArchiveRetentionJob(uploader *archive.Uploader, exchange string, log zerolog.Logger) *ArchiveRetentionJob {
	return &ArchiveRetentionJob{uploader: uploader, exchange: exchange, log: log.With().Str("job", "archive_retention").Logger()}
}

// Name returns the job identifier
func (j *ArchiveRetentionJob) Name() string { return "archive_retention" }

// Run prunes archived snapshots
func (j *ArchiveRetentionJob) Run(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	return j.uploader.Prune(ctx, j.exchange)
}
