package reliability

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantflow/quantflow/internal/database"
	"github.com/quantflow/quantflow/internal/events"
	"github.com/quantflow/quantflow/internal/marketstore"
	"github.com/quantflow/quantflow/internal/plugin"
)

// CompactionJob removes superseded row versions from every plugin table.
// Space reclamation only: latest-version reads are correct without it.
type CompactionJob struct {
	store    *marketstore.Store
	registry *plugin.Registry
	bus      *events.Bus
	log      zerolog.Logger
}

func NewCompactionJob(store *marketstore.Store, registry *plugin.Registry, bus *events.Bus, log zerolog.Logger) *CompactionJob {
	return &CompactionJob{
		store:    store,
		registry: registry,
		bus:      bus,
		log:      log.With().Str("job", "compaction").Logger(),
	}
}

func (j *CompactionJob) Name() string { return "compaction" }

func (j *CompactionJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	startTime := time.Now()
	var totalRemoved int64

	for _, p := range j.registry.All() {
		for _, schema := range p.Descriptor().Tables {
			exists, err := j.store.TableExists(ctx, schema.Name)
			if err != nil {
				return err
			}
			if !exists {
				continue
			}
			removed, err := j.store.Compact(ctx, schema)
			if err != nil {
				return err
			}
			totalRemoved += removed
		}
	}

	j.log.Info().
		Int64("removed", totalRemoved).
		Dur("duration_ms", time.Since(startTime)).
		Msg("Compaction completed")

	if j.bus != nil {
		j.bus.Emit(events.CompactionFinished, "maintenance", map[string]interface{}{
			"rows_removed": totalRemoved,
		})
	}
	return nil
}

// WALCheckpointJob truncates the metadata database WAL so the file does not
// grow unbounded between restarts.
type WALCheckpointJob struct {
	db  *database.DB
	log zerolog.Logger
}

func NewWALCheckpointJob(db *database.DB, log zerolog.Logger) *WALCheckpointJob {
	return &WALCheckpointJob{
		db:  db,
		log: log.With().Str("job", "wal_checkpoint").Logger(),
	}
}

func (j *WALCheckpointJob) Name() string { return "wal_checkpoint" }

func (j *WALCheckpointJob) Run() error {
	if err := j.db.WALCheckpoint("TRUNCATE"); err != nil {
		return err
	}
	j.log.Debug().Msg("WAL checkpoint completed")
	return nil
}

// BackupJob adapts BackupService to the scheduler's Job interface.
type BackupJob struct {
	service    *BackupService
	checkpoint *WALCheckpointJob
}

func NewBackupJob(service *BackupService, checkpoint *WALCheckpointJob) *BackupJob {
	return &BackupJob{service: service, checkpoint: checkpoint}
}

func (j *BackupJob) Name() string { return "backup" }

func (j *BackupJob) Run() error {
	// checkpoint first so the staged copy includes all WAL pages
	if j.checkpoint != nil {
		if err := j.checkpoint.Run(); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()
	return j.service.CreateAndUpload(ctx)
}
