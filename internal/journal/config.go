package journal

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
)

const (
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/ecoflowctl/journal.db"
	defaultBatchSize    = 16
	defaultBatchTimeout = 5 * time.Second
)

type Config struct {
	Enabled bool
	DBPath  string
	// BatchSize entries are buffered before a write; 1 writes through.
	BatchSize int
	// BatchTimeout flushes a partial batch.
	BatchTimeout    time.Duration
	BackupOnMigrate bool
	// BackupDir defaults to a backups directory next to DBPath.
	BackupDir string
}

func DefaultConfig() Config {
	return Config{
		Enabled:         false,
		DBPath:          defaultDBPath,
		BatchSize:       defaultBatchSize,
		BatchTimeout:    defaultBatchTimeout,
		BackupOnMigrate: true,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if !c.Enabled {
		return nil
	}
	if c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch settings must not be negative")
	}
	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}
	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
