package journal

import (
	"database/sql"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
)

const (
	SchemaVersion = 1

	createTablesSQL = `
	   CREATE TABLE IF NOT EXISTS schema_versions (
	       version     INTEGER PRIMARY KEY,
	       applied_at  TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS transitions (
	       id           INTEGER PRIMARY KEY AUTOINCREMENT,
	       at_ms        INTEGER NOT NULL,
	       from_state   TEXT NOT NULL,
	       to_state     TEXT NOT NULL,
	       input_watts  REAL NOT NULL,
	       excerpt      TEXT NOT NULL
	   );
	   CREATE TABLE IF NOT EXISTS commands (
	       id            INTEGER PRIMARY KEY AUTOINCREMENT,
	       at_ms         INTEGER NOT NULL,
	       command_id    TEXT NOT NULL,
	       output        TEXT NOT NULL,
	       enabled       INTEGER NOT NULL CHECK (enabled IN (0, 1)),
	       operate_type  TEXT NOT NULL,
	       module_type   INTEGER NOT NULL,
	       params        TEXT NOT NULL,
	       error         TEXT
	   );
	   CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions (at_ms);
	   CREATE INDEX IF NOT EXISTS idx_commands_at ON commands (at_ms);`

	insertTransitionSQL = `
    INSERT INTO transitions (
        at_ms, from_state, to_state, input_watts, excerpt
    ) VALUES (?, ?, ?, ?, ?)`

	insertCommandSQL = `
    INSERT INTO commands (
        at_ms, command_id, output, enabled,
        operate_type, module_type, params, error
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
)

var journalTables = []string{"transitions", "commands", "schema_versions"}

// InitSchema creates a new database schema with the current version
func InitSchema(db *sql.DB, log logger.Logger) error {
	errFactory := errors.New()

	log.Debug().Msg("Creating journal database...")

	tx, err := db.Begin()
	if err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}

	committed := false
	defer func() {
		if !committed {
			if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
				log.Debug().Err(err).Msg("Failed to rollback transaction")
			}
		}
	}()

	if _, err := tx.Exec(createTablesSQL); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "create_tables",
			Error: err.Error(),
		})
	}

	if _, err := tx.Exec(`
        INSERT INTO schema_versions (version, applied_at)
        VALUES (?, datetime('now'))
    `, SchemaVersion); err != nil {
		return errFactory.WithData(ErrSchemaInitFailed, struct {
			Phase string
			Error string
		}{
			Phase: "record_version",
			Error: err.Error(),
		})
	}

	if err := tx.Commit(); err != nil {
		return errFactory.Wrap(ErrSchemaInitFailed, err)
	}
	committed = true

	log.Info().
		Int("version", SchemaVersion).
		Msg("Journal schema initialized")

	return nil
}

// GetSchemaVersion returns the current schema version, 0 for a fresh file.
func GetSchemaVersion(db *sql.DB) (int, error) {
	errFactory := errors.New()

	exists, err := TableExists(db, "schema_versions")
	if err != nil {
		return 0, errFactory.Wrap(ErrSchemaValidationFailed, err)
	}
	if !exists {
		return 0, nil
	}

	var version int
	err = db.QueryRow(`
        SELECT version
        FROM schema_versions
        ORDER BY version DESC
        LIMIT 1
    `).Scan(&version)

	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Error string
		}{
			Phase: "get_version",
			Error: err.Error(),
		})
	}

	return version, nil
}

func TableExists(db *sql.DB, tableName string) (bool, error) {
	errFactory := errors.New()

	var exists bool
	err := db.QueryRow(`
        SELECT EXISTS (
            SELECT 1 FROM sqlite_master
            WHERE type='table' AND name=?
        )
    `, tableName).Scan(&exists)
	if err != nil {
		return false, errFactory.WithData(ErrSchemaValidationFailed, struct {
			Phase string
			Table string
			Error string
		}{
			Phase: "check_table_exists",
			Table: tableName,
			Error: err.Error(),
		})
	}
	return exists, nil
}

func insertSQL(table string) string {
	if table == "commands" {
		return insertCommandSQL
	}
	return insertTransitionSQL
}
