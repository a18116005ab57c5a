// Package reliability holds the operational safety nets: local and cloud
// database backups and periodic database maintenance.
package reliability

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/dstamatis/pietra/internal/database"
)

const localRetentionDays = 30

// BackupService creates verified local snapshots of the databases
type BackupService struct {
	databases map[string]*database.DB
	backupDir string
	log       zerolog.Logger
}

// NewBackupService creates a backup service over the named databases
func NewBackupService(databases map[string]*database.DB, backupDir string, log zerolog.Logger) *BackupService {
	return &BackupService{
		databases: databases,
		backupDir: backupDir,
		log:       log.With().Str("service", "backup").Logger(),
	}
}

// DatabaseNames returns the names of all managed databases
func (s *BackupService) DatabaseNames() []string {
	names := make([]string, 0, len(s.databases))
	for name := range s.databases {
		names = append(names, name)
	}
	return names
}

// NightlyBackup snapshots every database into a dated directory and rotates
// snapshots past the retention window. A failure on one database does not
// stop the others.
func (s *BackupService) NightlyBackup() error {
	start := time.Now()
	dateDir := filepath.Join(s.backupDir, "nightly", time.Now().Format("2006-01-02"))
	if err := os.MkdirAll(dateDir, 0755); err != nil {
		return fmt.Errorf("failed to create backup directory: %w", err)
	}

	var failed int
	for name := range s.databases {
		path := filepath.Join(dateDir, name+".db")
		if err := s.BackupDatabase(name, path); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Database backup failed")
			failed++
			continue
		}
		if err := s.verifyBackup(path); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Backup verification failed")
			os.Remove(path)
			failed++
		}
	}

	if err := s.rotate(); err != nil {
		s.log.Warn().Err(err).Msg("Backup rotation failed")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d database backups failed", failed, len(s.databases))
	}

	s.log.Info().
		Dur("duration", time.Since(start)).
		Str("backup_dir", dateDir).
		Msg("Nightly backup completed")
	return nil
}

// BackupDatabase snapshots one database to the given path. VACUUM INTO
// produces an atomic copy with no WAL sidecar.
func (s *BackupService) BackupDatabase(name, destPath string) error {
	db, ok := s.databases[name]
	if !ok {
		return fmt.Errorf("database %s not found", name)
	}

	if _, err := db.Conn().Exec(fmt.Sprintf("VACUUM INTO '%s'", destPath)); err != nil {
		return fmt.Errorf("VACUUM INTO failed for %s: %w", name, err)
	}
	return nil
}

func (s *BackupService) verifyBackup(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("failed to open backup: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check reported: %s", result)
	}
	return nil
}

// rotate deletes nightly snapshot directories past the retention window
func (s *BackupService) rotate() error {
	nightlyDir := filepath.Join(s.backupDir, "nightly")
	cutoff := time.Now().AddDate(0, 0, -localRetentionDays)

	entries, err := os.ReadDir(nightlyDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dirDate, err := time.Parse("2006-01-02", entry.Name())
		if err != nil {
			continue
		}
		if dirDate.Before(cutoff) {
			path := filepath.Join(nightlyDir, entry.Name())
			if err := os.RemoveAll(path); err != nil {
				s.log.Warn().Err(err).Str("path", path).Msg("Failed to delete old backup")
				continue
			}
			s.log.Debug().Str("path", path).Msg("Deleted old backup")
		}
	}
	return nil
}
