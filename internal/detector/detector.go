package detector

import (
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/telemetry"
)

const DefaultThresholdWatts = 10

// ChargingState is the aggregate grid state derived from input power.
type ChargingState int

const (
	Unknown ChargingState = iota
	NotCharging
	Charging
)

func (s ChargingState) String() string {
	switch s {
	case NotCharging:
		return "NOT_CHARGING"
	case Charging:
		return "CHARGING"
	default:
		return "UNKNOWN"
	}
}

func (s ChargingState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Mode selects how several power fields combine into one reading.
type Mode string

const (
	// ModeSum adds every present power field.
	ModeSum Mode = "sum"
	// ModeFirst uses the first present field in configured order.
	ModeFirst Mode = "first"
)

type Config struct {
	PowerFields    []string
	Mode           Mode
	ThresholdWatts float64
	// ExcerptFields are copied into each Transition next to the power fields.
	ExcerptFields []string
}

func DefaultConfig() Config {
	return Config{
		PowerFields:    []string{"pd.wattsInSum"},
		Mode:           ModeFirst,
		ThresholdWatts: DefaultThresholdWatts,
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	if len(c.PowerFields) == 0 {
		return errFactory.New(ErrNoPowerFields)
	}
	if c.ThresholdWatts < 0 || math.IsNaN(c.ThresholdWatts) || math.IsInf(c.ThresholdWatts, 0) {
		return errFactory.WithData(ErrInvalidThreshold, c.ThresholdWatts)
	}
	switch c.Mode {
	case ModeSum, ModeFirst, "":
	default:
		return errFactory.WithData(ErrInvalidMode, string(c.Mode))
	}

	return nil
}

// Evaluate computes the charging state of snap. ok is false, and the state
// Unknown, when none of the power fields holds a numeric reading.
func Evaluate(snap telemetry.Snapshot, cfg Config) (state ChargingState, watts float64, ok bool) {
	watts, ok = inputPower(snap, cfg)
	if !ok {
		return Unknown, 0, false
	}
	if watts >= cfg.ThresholdWatts {
		return Charging, watts, true
	}
	return NotCharging, watts, true
}

func inputPower(snap telemetry.Snapshot, cfg Config) (float64, bool) {
	var (
		total float64
		found bool
	)
	for _, key := range cfg.PowerFields {
		w, ok := snap.Float(key)
		if !ok {
			continue
		}
		if cfg.Mode != ModeSum {
			return w, true
		}
		total += w
		found = true
	}
	return total, found
}

// Transition is emitted once per detected change of charging state.
type Transition struct {
	From       ChargingState              `json:"from"`
	To         ChargingState              `json:"to"`
	At         time.Time                  `json:"at"`
	InputWatts float64                    `json:"input_watts"`
	Excerpt    map[string]telemetry.Value `json:"excerpt"`
}

// PowerRestored reports whether t marks grid power coming back.
func (t Transition) PowerRestored() bool {
	return t.To == Charging
}

// Detector remembers the last known charging state between observations.
type Detector struct {
	cfg Config

	mu   sync.Mutex
	prev ChargingState
}

func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeFirst
	}
	return &Detector{cfg: cfg}, nil
}

func (d *Detector) Config() Config {
	return d.cfg
}

// State returns the last known state.
func (d *Detector) State() ChargingState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.prev
}

// Observe evaluates snap and returns the current state and, when the state
// changed from a previously known one, the transition. The first known
// state is recorded silently. An Unknown evaluation keeps the previous state.
func (d *Detector) Observe(snap telemetry.Snapshot, at time.Time) (ChargingState, *Transition) {
	state, watts, ok := Evaluate(snap, d.cfg)

	d.mu.Lock()
	defer d.mu.Unlock()

	if !ok {
		return d.prev, nil
	}

	prev := d.prev
	d.prev = state
	if prev == Unknown || prev == state {
		return state, nil
	}

	keys := make([]string, 0, len(d.cfg.PowerFields)+len(d.cfg.ExcerptFields))
	keys = append(keys, d.cfg.PowerFields...)
	keys = append(keys, d.cfg.ExcerptFields...)

	return state, &Transition{
		From:       prev,
		To:         state,
		At:         at,
		InputWatts: watts,
		Excerpt:    snap.Excerpt(keys...),
	}
}
