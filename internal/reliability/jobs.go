package reliability

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/disk"

	"github.com/dstamatis/pietra/internal/database"
)

// NightlyBackupJob runs the local snapshot and, when configured, the cloud
// upload with rotation
type NightlyBackupJob struct {
	local *BackupService
	cloud *CloudBackupService // nil when cloud backups are disabled
	log   zerolog.Logger
}

// NewNightlyBackupJob creates a nightly backup job
func NewNightlyBackupJob(local *BackupService, cloud *CloudBackupService, log zerolog.Logger) *NightlyBackupJob {
	return &NightlyBackupJob{
		local: local,
		cloud: cloud,
		log:   log.With().Str("job", "nightly_backup").Logger(),
	}
}

// Name returns the job name
func (j *NightlyBackupJob) Name() string { return "nightly_backup" }

// Run performs the local backup first so a snapshot exists even when the
// upload fails
func (j *NightlyBackupJob) Run() error {
	if err := j.local.NightlyBackup(); err != nil {
		return err
	}
	if j.cloud == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	if err := j.cloud.CreateAndUpload(ctx); err != nil {
		return err
	}
	if err := j.cloud.RotateOldBackups(ctx); err != nil {
		j.log.Warn().Err(err).Msg("Cloud backup rotation failed")
	}
	return nil
}

// MaintenanceJob truncates WAL files and watches disk headroom. WAL files
// grow without bound under constant writes unless checkpointed explicitly.
type MaintenanceJob struct {
	databases map[string]*database.DB
	dataDir   string
	log       zerolog.Logger
}

// NewMaintenanceJob creates a database maintenance job
func NewMaintenanceJob(databases map[string]*database.DB, dataDir string, log zerolog.Logger) *MaintenanceJob {
	return &MaintenanceJob{
		databases: databases,
		dataDir:   dataDir,
		log:       log.With().Str("job", "maintenance").Logger(),
	}
}

// Name returns the job name
func (j *MaintenanceJob) Name() string { return "maintenance" }

// Run checkpoints every database and checks free disk space
func (j *MaintenanceJob) Run() error {
	for name, db := range j.databases {
		if _, err := db.Conn().Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
			j.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}
	}
	return j.checkDiskSpace()
}

func (j *MaintenanceJob) checkDiskSpace() error {
	usage, err := disk.Usage(j.dataDir)
	if err != nil {
		return fmt.Errorf("failed to read disk usage: %w", err)
	}

	if usage.UsedPercent > 90 {
		j.log.Error().
			Float64("used_percent", usage.UsedPercent).
			Uint64("free_bytes", usage.Free).
			Msg("Disk space critically low")
		return fmt.Errorf("disk usage at %.1f%%", usage.UsedPercent)
	}
	if usage.UsedPercent > 80 {
		j.log.Warn().
			Float64("used_percent", usage.UsedPercent).
			Msg("Disk space running low")
	}
	return nil
}
