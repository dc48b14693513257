package monitor

import (
	"context"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/credential"
	"codeberg.org/mutker/ecoflowctl/internal/detector"
	"codeberg.org/mutker/ecoflowctl/internal/device"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
	"codeberg.org/mutker/ecoflowctl/internal/telemetry"
	"codeberg.org/mutker/ecoflowctl/internal/transport"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultBackoffInitial = time.Second
	DefaultBackoffMax     = 60 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	DefaultPublishTimeout = 10 * time.Second
	DefaultCredentialTTL  = 24 * time.Hour
)

// CredentialFunc fetches fresh broker credentials.
type CredentialFunc func(ctx context.Context) (credential.Credentials, error)

// SeedFunc returns a full set of current readings, applied after every
// successful subscribe.
type SeedFunc func(ctx context.Context) (map[string]telemetry.Value, error)

type Config struct {
	Detector       detector.Config
	CredentialTTL  time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// RejectStale drops fields older than the cached ones, using the
	// timestamp carried by each message.
	RejectStale bool
}

type Deps struct {
	Dialer  transport.Dialer
	Logger  logger.Logger
	Backoff backoff.BackOff
	Seed    SeedFunc
	Now     func() time.Time
	NewID   func() string
}

// CommandResult is handed to command observers after each publish attempt.
type CommandResult struct {
	Command device.Command
	ID      string
	At      time.Time
	Err     error
}

// link is one live broker session and the topics it serves.
type link struct {
	sess   transport.Session
	topics credential.Topics
	lost   chan error
}

// Monitor owns the broker session, the telemetry cache and the transition
// detector of one device.
type Monitor struct {
	cfg    Config
	dialer transport.Dialer
	bo     backoff.BackOff
	seed   SeedFunc
	now    func() time.Time
	newID  func() string
	log    logger.Logger

	cache *telemetry.Cache
	det   *detector.Detector

	// procMu serializes apply, detect and dispatch.
	procMu  sync.Mutex
	stopped bool

	subMu         sync.RWMutex
	onTransition  []func(detector.Transition)
	onStateChange []func(from, to State)
	onCommand     []func(CommandResult)

	mu     sync.Mutex
	state  State
	link   *link
	cancel context.CancelFunc
	done   chan struct{}
}

func New(cfg Config, deps Deps) (*Monitor, error) {
	errFactory := errors.New()

	if deps.Dialer == nil {
		return nil, errFactory.New(ErrNoDialer)
	}

	det, err := detector.New(cfg.Detector)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	cfg.CredentialTTL = orDefault(cfg.CredentialTTL, DefaultCredentialTTL)
	cfg.ConnectTimeout = orDefault(cfg.ConnectTimeout, DefaultConnectTimeout)
	cfg.PublishTimeout = orDefault(cfg.PublishTimeout, DefaultPublishTimeout)
	cfg.BackoffInitial = orDefault(cfg.BackoffInitial, DefaultBackoffInitial)
	cfg.BackoffMax = orDefault(cfg.BackoffMax, DefaultBackoffMax)

	m := &Monitor{
		cfg:    cfg,
		dialer: deps.Dialer,
		bo:     deps.Backoff,
		seed:   deps.Seed,
		now:    deps.Now,
		newID:  deps.NewID,
		log:    deps.Logger,
		cache:  telemetry.NewCache(),
		det:    det,
		state:  Disconnected,
	}

	if m.bo == nil {
		m.bo = newBackoff(cfg.BackoffInitial, cfg.BackoffMax)
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.newID == nil {
		m.newID = commandID
	}
	if m.log == nil {
		m.log = logger.Nop()
	}
	m.log = m.log.With("monitor")

	return m, nil
}

func newBackoff(initial, maxInterval time.Duration) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = maxInterval
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Start launches the session loop. It is a no-op while a loop is already
// running and fails once the monitor has been stopped.
func (m *Monitor) Start(ctx context.Context, fetch CredentialFunc) error {
	errFactory := errors.New()

	if fetch == nil {
		return errFactory.New(ErrNoFetcher)
	}

	m.mu.Lock()
	if m.state == Shutdown {
		m.mu.Unlock()
		return errFactory.New(ErrStopped)
	}
	if m.state.active() {
		m.mu.Unlock()
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	done := m.done
	from := m.state
	m.state = Connecting
	m.mu.Unlock()

	m.notifyState(from, Connecting)

	go m.run(runCtx, fetch, done)

	return nil
}

// Stop tears the session down and waits for the loop to exit. No
// transition or command callback runs after Stop returns.
func (m *Monitor) Stop() {
	m.procMu.Lock()
	m.stopped = true
	m.procMu.Unlock()

	m.mu.Lock()
	if m.state == Shutdown {
		m.mu.Unlock()
		return
	}
	from := m.state
	m.state = Shutdown
	cancel, done := m.cancel, m.done
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	m.log.Info().Str("from", from.String()).Msg("Monitor stopped")
	m.notifyState(from, Shutdown)
}

func (m *Monitor) run(ctx context.Context, fetch CredentialFunc, done chan struct{}) {
	defer close(done)

	var (
		creds    credential.Credentials
		haveCred bool
	)

	m.bo.Reset()

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			m.settle()
			return
		}
		if attempt > 0 {
			m.setState(Connecting)
		}

		if !haveCred || creds.Expired(m.cfg.CredentialTTL, m.now()) {
			c, err := fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					m.settle()
					return
				}
				m.logFailure(err, "fetch_credentials", "Credential request failed")
				if !m.wait(ctx) {
					return
				}
				continue
			}
			creds, haveCred = c, true
		}

		lk, err := m.connect(ctx, creds)
		if err != nil {
			if ctx.Err() != nil {
				m.settle()
				return
			}
			if transport.IsNotAuthorized(err) {
				haveCred = false
			}
			m.logFailure(err, "connect", "Broker session failed")
			if !m.wait(ctx) {
				return
			}
			continue
		}

		m.bo.Reset()
		m.seedCache(ctx)

		select {
		case err := <-lk.lost:
			m.log.Warn().Err(err).Msg("Broker connection lost")
			m.detach(lk)
		case <-ctx.Done():
			m.detach(lk)
			m.settle()
			return
		}

		if !m.wait(ctx) {
			return
		}
	}
}

// connect dials, attaches and subscribes one session.
func (m *Monitor) connect(ctx context.Context, creds credential.Credentials) (*link, error) {
	lk := &link{topics: creds.Topics, lost: make(chan error, 1)}

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	sess, err := m.dialer.Dial(dialCtx, creds, func(err error) {
		select {
		case lk.lost <- err:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	lk.sess = sess

	if !m.attach(lk) {
		sess.Close()
		return nil, errors.New().New(ErrStopped)
	}

	if err := sess.Subscribe(dialCtx, creds.Topics.Telemetry, m.handleMessage); err != nil {
		m.detach(lk)
		return nil, err
	}

	m.setState(Subscribed)
	m.log.Info().Str("topic", creds.Topics.Telemetry).Msg("Subscribed to device telemetry")

	return lk, nil
}

func (m *Monitor) attach(lk *link) bool {
	m.mu.Lock()
	if m.state == Shutdown {
		m.mu.Unlock()
		return false
	}
	m.link = lk
	from := m.state
	m.state = Connected
	m.mu.Unlock()

	m.notifyState(from, Connected)
	return true
}

// detach forgets lk and closes its session.
func (m *Monitor) detach(lk *link) {
	m.mu.Lock()
	if m.link == lk {
		m.link = nil
	}
	m.mu.Unlock()

	lk.sess.Close()
}

// wait sleeps out the next backoff interval in RECONNECTING. It returns
// false when ctx ends first.
func (m *Monitor) wait(ctx context.Context) bool {
	m.setState(Reconnecting)

	d := m.bo.NextBackOff()
	if d == backoff.Stop {
		d = m.cfg.BackoffMax
	}
	m.log.Debug().Dur("delay", d).Msg("Reconnecting after backoff")

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		m.settle()
		return false
	}
}

// settle moves a loop that ended without Stop back to DISCONNECTED.
func (m *Monitor) settle() {
	m.setState(Disconnected)
}

func (m *Monitor) setState(to State) {
	m.mu.Lock()
	from := m.state
	if from == Shutdown || from == to {
		m.mu.Unlock()
		return
	}
	m.state = to
	m.mu.Unlock()

	m.notifyState(from, to)
}

func (m *Monitor) notifyState(from, to State) {
	m.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("State changed")

	m.subMu.RLock()
	subs := m.onStateChange
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(from, to)
	}
}

func (m *Monitor) seedCache(ctx context.Context) {
	if m.seed == nil {
		return
	}
	fields, err := m.seed(ctx)
	if err != nil {
		m.logFailure(err, "seed", "Initial quota request failed")
		return
	}
	changed := m.ingest(fields, time.Time{})
	m.log.Debug().Int("fields", len(fields)).Int("changed", changed).Msg("Cache seeded from quota")
}

func (m *Monitor) handleMessage(topic string, payload []byte) {
	msg, err := telemetry.DecodeMessage(payload)
	if err != nil {
		m.log.Debug().Err(err).Str("topic", topic).Int("bytes", len(payload)).Msg("Dropping telemetry message")
		return
	}

	at := time.Time{}
	if m.cfg.RejectStale {
		at = msg.Timestamp
	}
	m.ingest(msg.Fields, at)
}

// ingest applies fields, runs the detector and dispatches any transition,
// all under procMu. It returns the number of changed fields.
func (m *Monitor) ingest(fields map[string]telemetry.Value, at time.Time) int {
	m.procMu.Lock()
	defer m.procMu.Unlock()

	if m.stopped {
		return 0
	}

	changed := m.cache.ApplyAt(fields, at)
	if len(changed) == 0 {
		return 0
	}

	prev := m.det.State()
	state, tr := m.det.Observe(m.cache.Snapshot(), m.now())
	if prev == detector.Unknown && state != detector.Unknown {
		m.log.Info().Str("state", state.String()).Msg("Charging state baseline established")
	}
	if tr == nil {
		return len(changed)
	}

	m.log.Info().
		Str("from", tr.From.String()).
		Str("to", tr.To.String()).
		Float64("input_watts", tr.InputWatts).
		Msg("Charging state changed")

	m.subMu.RLock()
	subs := m.onTransition
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(*tr)
	}

	return len(changed)
}

// PublishCommand validates cmd and publishes it on the device command
// topic. It fails fast with a not connected error outside CONNECTED and
// SUBSCRIBED. A transport failure also drops the session so the loop
// reconnects.
func (m *Monitor) PublishCommand(ctx context.Context, cmd device.Command) error {
	errFactory := errors.New()

	if err := cmd.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	state, lk := m.state, m.link
	m.mu.Unlock()

	if !state.CanPublish() || lk == nil {
		return errFactory.WithData(ErrNotConnected, state.String())
	}

	id := m.newID()
	payload, err := cmd.Envelope(id)
	if err != nil {
		return errFactory.Wrap(errors.ErrInvalidCommand, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, m.cfg.PublishTimeout)
	defer cancel()

	err = lk.sess.Publish(pubCtx, lk.topics.Command, payload)
	if err != nil {
		if !errors.HasCode(err, ErrTransport) && !errors.HasCode(err, ErrNotConnected) {
			err = errFactory.Wrap(ErrTransport, err)
		}
		select {
		case lk.lost <- err:
		default:
		}
	}

	m.procMu.Lock()
	if !m.stopped {
		m.notifyCommand(CommandResult{Command: cmd, ID: id, At: m.now(), Err: err})
	}
	m.procMu.Unlock()

	if err != nil {
		m.logFailure(err, "publish", "Command publish failed")
		return err
	}

	m.log.Info().
		Str("operate_type", cmd.OperateType).
		Int("module_type", cmd.ModuleType).
		Str("id", id).
		Msg("Command sent")

	return nil
}

func (m *Monitor) notifyCommand(res CommandResult) {
	m.subMu.RLock()
	subs := m.onCommand
	m.subMu.RUnlock()

	for _, fn := range subs {
		fn(res)
	}
}

// OnTransition registers fn for every detected transition. fn runs while
// telemetry processing is held and must not block.
func (m *Monitor) OnTransition(fn func(detector.Transition)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.onTransition = append(append([]func(detector.Transition){}, m.onTransition...), fn)
}

// OnStateChange registers fn for connection state changes.
func (m *Monitor) OnStateChange(fn func(from, to State)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.onStateChange = append(append([]func(from, to State){}, m.onStateChange...), fn)
}

// OnCommand registers fn for every publish attempt. Like OnTransition, fn
// runs while telemetry processing is held and must not block.
func (m *Monitor) OnCommand(fn func(CommandResult)) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	m.onCommand = append(append([]func(CommandResult){}, m.onCommand...), fn)
}

func (m *Monitor) ReadField(key string) (telemetry.Value, bool) {
	return m.cache.Get(key)
}

func (m *Monitor) ReadSnapshot() telemetry.Snapshot {
	return m.cache.Snapshot()
}

func (m *Monitor) ChargingState() detector.ChargingState {
	return m.det.State()
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) logFailure(err error, operation, msg string) {
	m.log.ErrorWithContext(errors.From(err), "monitor", operation).Msg(msg)
}

func commandID() string {
	return strconv.Itoa(100_000 + rand.IntN(900_000))
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
