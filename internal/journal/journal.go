package journal

import (
	"context"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
)

type service struct {
	repo Repository
	cfg  Config
}

type noopJournal struct{}

// New returns the sqlite backed journal, or a no-op one when cfg disables it.
func New(cfg Config, log logger.Logger) (Journal, error) {
	errFactory := errors.New()

	if err := cfg.Validate(); err != nil {
		return nil, errFactory.Wrap(ErrInvalidConfig, err)
	}
	if log == nil {
		log = logger.Nop()
	}

	if !cfg.Enabled {
		log.Debug().Msg("Journal disabled, using no-op journal")
		return noopJournal{}, nil
	}

	repo, err := NewRepository(cfg, log)
	if err != nil {
		return nil, err
	}

	return &service{repo: repo, cfg: cfg}, nil
}

func (s *service) RecordTransition(ctx context.Context, rec *TransitionRecord) error {
	if rec == nil {
		return errors.New().New(ErrInvalidRecord)
	}
	return s.record(ctx, rec)
}

func (s *service) RecordCommand(ctx context.Context, rec *CommandRecord) error {
	if rec == nil {
		return errors.New().New(ErrInvalidRecord)
	}
	return s.record(ctx, rec)
}

func (s *service) record(ctx context.Context, rec record) error {
	errFactory := errors.New()

	select {
	case <-ctx.Done():
		return errFactory.Wrap(ErrOperationTimeout, ctx.Err())
	default:
	}

	if err := s.repo.Append(rec); err != nil {
		if errors.HasCode(err, ErrClosed) {
			return err
		}
		return errFactory.Wrap(ErrRecordFailed, err)
	}
	return nil
}

func (s *service) Close() error {
	return s.repo.Close()
}

func (*service) Enabled() bool { return true }

func (noopJournal) RecordTransition(context.Context, *TransitionRecord) error { return nil }
func (noopJournal) RecordCommand(context.Context, *CommandRecord) error       { return nil }
func (noopJournal) Close() error                                              { return nil }
func (noopJournal) Enabled() bool                                             { return false }
