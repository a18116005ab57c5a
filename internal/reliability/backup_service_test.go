package reliability

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/dstamatis/pietra/internal/database"
)

func openTestDB(t *testing.T, dir, name string) *database.DB {
	db, err := database.New(database.Config{
		Path:    filepath.Join(dir, name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	_, err = db.Conn().Exec(`CREATE TABLE samples (id INTEGER PRIMARY KEY, label TEXT)`)
	require.NoError(t, err)
	_, err = db.Conn().Exec(`INSERT INTO samples (label) VALUES ('one'), ('two')`)
	require.NoError(t, err)
	return db
}

func TestNightlyBackupCreatesVerifiedSnapshots(t *testing.T) {
	dataDir := t.TempDir()
	backupDir := filepath.Join(dataDir, "backups")

	databases := map[string]*database.DB{
		"ledger":    openTestDB(t, dataDir, "ledger"),
		"portfolio": openTestDB(t, dataDir, "portfolio"),
	}
	svc := NewBackupService(databases, backupDir, zerolog.Nop())

	require.NoError(t, svc.NightlyBackup())

	dateDir := filepath.Join(backupDir, "nightly", time.Now().Format("2006-01-02"))
	for name := range databases {
		snapshotPath := filepath.Join(dateDir, name+".db")
		require.FileExists(t, snapshotPath)

		// The snapshot must be a readable copy of the source
		snapshot, err := sql.Open("sqlite", snapshotPath)
		require.NoError(t, err)
		var count int
		require.NoError(t, snapshot.QueryRow(`SELECT COUNT(*) FROM samples`).Scan(&count))
		assert.Equal(t, 2, count)
		snapshot.Close()
	}
}

func TestNightlyBackupRotatesOldSnapshots(t *testing.T) {
	dataDir := t.TempDir()
	backupDir := filepath.Join(dataDir, "backups")

	databases := map[string]*database.DB{"ledger": openTestDB(t, dataDir, "ledger")}
	svc := NewBackupService(databases, backupDir, zerolog.Nop())

	stale := filepath.Join(backupDir, "nightly", time.Now().AddDate(0, 0, -(localRetentionDays+5)).Format("2006-01-02"))
	require.NoError(t, os.MkdirAll(stale, 0755))
	fresh := filepath.Join(backupDir, "nightly", time.Now().AddDate(0, 0, -1).Format("2006-01-02"))
	require.NoError(t, os.MkdirAll(fresh, 0755))

	require.NoError(t, svc.NightlyBackup())

	assert.NoDirExists(t, stale)
	assert.DirExists(t, fresh)
}

func TestBackupDatabaseUnknownName(t *testing.T) {
	svc := NewBackupService(map[string]*database.DB{}, t.TempDir(), zerolog.Nop())
	err := svc.BackupDatabase("missing", filepath.Join(t.TempDir(), "out.db"))
	assert.Error(t, err)
}
