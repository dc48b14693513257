package journal

import (
	"context"
	"encoding/json"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/monitor"
)

// Journal is the write-only audit log of transitions and commands.
type Journal interface {
	RecordTransition(ctx context.Context, rec *TransitionRecord) error
	RecordCommand(ctx context.Context, rec *CommandRecord) error
	Close() error
	Enabled() bool
}

// Repository is the storage behind an enabled Journal.
type Repository interface {
	Append(rec record) error
	Close() error
}

type record interface {
	table() string
	values() ([]any, error)
}

type TransitionRecord struct {
	At         time.Time
	From       detector.ChargingState
	To         detector.ChargingState
	InputWatts float64
	Excerpt    map[string]any
}

func TransitionRecordOf(tr detector.Transition) *TransitionRecord {
	excerpt := make(map[string]any, len(tr.Excerpt))
	for k, v := range tr.Excerpt {
		excerpt[k] = v
	}
	return &TransitionRecord{
		At:         tr.At,
		From:       tr.From,
		To:         tr.To,
		InputWatts: tr.InputWatts,
		Excerpt:    excerpt,
	}
}

func (*TransitionRecord) table() string { return "transitions" }

func (r *TransitionRecord) values() ([]any, error) {
	excerpt, err := json.Marshal(r.Excerpt)
	if err != nil {
		return nil, err
	}
	return []any{
		r.At.UnixMilli(),
		r.From.String(),
		r.To.String(),
		r.InputWatts,
		string(excerpt),
	}, nil
}

type CommandRecord struct {
	At          time.Time
	CommandID   string
	Output      string
	Enabled     bool
	OperateType string
	ModuleType  int
	Params      map[string]int
	Error       string
}

func CommandRecordOf(res monitor.CommandResult) *CommandRecord {
	rec := &CommandRecord{
		At:          res.At,
		CommandID:   res.ID,
		Output:      string(res.Command.Output),
		Enabled:     res.Command.Enabled,
		OperateType: res.Command.OperateType,
		ModuleType:  res.Command.ModuleType,
		Params:      res.Command.Params,
	}
	if res.Err != nil {
		rec.Error = res.Err.Error()
	}
	return rec
}

func (*CommandRecord) table() string { return "commands" }

func (r *CommandRecord) values() ([]any, error) {
	params, err := json.Marshal(r.Params)
	if err != nil {
		return nil, err
	}
	var errText any
	if r.Error != "" {
		errText = r.Error
	}
	return []any{
		r.At.UnixMilli(),
		r.CommandID,
		r.Output,
		boolToInt(r.Enabled),
		r.OperateType,
		r.ModuleType,
		string(params),
		errText,
	}, nil
}
