package journal

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
	_ "github.com/mattn/go-sqlite3"
)

type repository struct {
	db            *sql.DB
	logger        logger.Logger
	cfg           Config
	mu            sync.Mutex
	buffer        []record
	closed        bool
	flushTicker   *time.Ticker
	flushChan     chan struct{}
	shutdownChan  chan struct{}
	flushDoneChan chan struct{}
	closeOnce     sync.Once
	closeErr      error
}

func NewRepository(cfg Config, log logger.Logger) (Repository, error) {
	errFactory := errors.New()

	if cfg.DBPath == "" {
		return nil, errFactory.New(ErrInvalidDBPath)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 1
	}

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), defaultDirPerm); err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Path  string
			Error string
		}{
			Phase: "create_directory",
			Path:  cfg.DBPath,
			Error: err.Error(),
		})
	}

	dsn := cfg.DBPath + "?_journal=WAL&_auto_vacuum=2"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errFactory.WithData(ErrStorageInit, struct {
			Phase string
			Error string
		}{
			Phase: "open_database",
			Error: err.Error(),
		})
	}

	if err := ValidateAndUpdateSchema(db, cfg, log); err != nil {
		db.Close()
		return nil, errFactory.Wrap(ErrStorageInit, err)
	}

	log.Info().
		Str("path", cfg.DBPath).
		Int("schema_version", SchemaVersion).
		Int("batch_size", cfg.BatchSize).
		Dur("batch_timeout", cfg.BatchTimeout).
		Msg("Journal repository initialized")

	repo := &repository{
		db:            db,
		logger:        log,
		cfg:           cfg,
		buffer:        make([]record, 0, cfg.BatchSize),
		flushChan:     make(chan struct{}, 1),
		shutdownChan:  make(chan struct{}),
		flushDoneChan: make(chan struct{}),
	}

	if cfg.BatchSize > 1 && cfg.BatchTimeout > 0 {
		repo.flushTicker = time.NewTicker(cfg.BatchTimeout)
	}
	go repo.flusher()

	return repo, nil
}

// Append buffers rec and wakes the flusher once a batch is full. It never
// touches the database itself.
func (r *repository) Append(rec record) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return errors.New().New(ErrClosed)
	}

	r.buffer = append(r.buffer, rec)

	if len(r.buffer) >= r.cfg.BatchSize {
		select {
		case r.flushChan <- struct{}{}:
		default:
		}
	}

	return nil
}

// Close flushes the buffer, checkpoints the WAL and closes the database.
// It is safe to call more than once.
func (r *repository) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.close()
	})
	return r.closeErr
}

func (r *repository) close() error {
	errFactory := errors.New()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	close(r.shutdownChan)
	if r.flushTicker != nil {
		r.flushTicker.Stop()
	}
	<-r.flushDoneChan

	flushErr := r.flush()

	if _, err := r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		r.logger.Debug().Err(err).Msg("Failed to checkpoint journal WAL")
	}

	if err := r.db.Close(); err != nil {
		return errFactory.WithData(ErrStorageClose, struct {
			Phase string
			Error string
		}{
			Phase: "close_database",
			Error: err.Error(),
		})
	}

	if flushErr != nil {
		return errFactory.Wrap(ErrStorageClose, flushErr)
	}

	r.logger.Info().Msg("Journal closed gracefully")

	return nil
}

// flusher is the only writer while the repository is open. Close takes
// over after it has exited.
func (r *repository) flusher() {
	defer close(r.flushDoneChan)

	var tick <-chan time.Time
	if r.flushTicker != nil {
		tick = r.flushTicker.C
	}

	for {
		select {
		case <-tick:
			_ = r.flush()
		case <-r.flushChan:
			_ = r.flush()
		case <-r.shutdownChan:
			return
		}
	}
}

// take hands the buffered records to the caller and starts a new buffer.
func (r *repository) take() []record {
	r.mu.Lock()
	defer r.mu.Unlock()

	batch := r.buffer
	r.buffer = make([]record, 0, r.cfg.BatchSize)
	return batch
}

// flush writes the buffered records in one transaction without holding
// r.mu. A failed batch is dropped and logged so a broken disk cannot grow
// memory.
func (r *repository) flush() error {
	batch := r.take()
	if len(batch) == 0 {
		return nil
	}

	errFactory := errors.New()
	n := len(batch)

	tx, err := r.db.Begin()
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to begin transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	stmts := map[string]*sql.Stmt{}
	defer func() {
		for _, s := range stmts {
			s.Close()
		}
	}()

	for _, rec := range batch {
		stmt, ok := stmts[rec.table()]
		if !ok {
			stmt, err = tx.Prepare(insertSQL(rec.table()))
			if err != nil {
				return r.rollback(tx, err, "Failed to prepare statement", n)
			}
			stmts[rec.table()] = stmt
		}

		values, err := rec.values()
		if err != nil {
			return r.rollback(tx, err, "Failed to encode journal record", n)
		}
		if _, err := stmt.Exec(values...); err != nil {
			return r.rollback(tx, err, "Failed to execute insert", n)
		}
	}

	if err := tx.Commit(); err != nil {
		r.logger.Error().Err(err).Int("records", n).Msg("Failed to commit transaction")
		return errFactory.Wrap(ErrTransactionFailed, err)
	}

	r.logger.Debug().Int("records", n).Msg("Flushed journal to database")

	return nil
}

func (r *repository) rollback(tx *sql.Tx, cause error, msg string, n int) error {
	r.logger.Error().Err(cause).Int("records", n).Msg(msg)
	if err := tx.Rollback(); err != nil {
		r.logger.Error().Err(err).Msg("Failed to roll back transaction")
	}
	return errors.New().Wrap(ErrTransactionFailed, cause)
}
