package notify

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
)

const (
	DefaultQueueSize   = 32
	DefaultSendTimeout = 15 * time.Second
	drainTimeout       = 5 * time.Second
)

type Config struct {
	QueueSize   int
	SendTimeout time.Duration
}

// Notifier renders events and hands them to its sinks from a single worker
// goroutine, so a slow webhook never blocks the caller.
type Notifier struct {
	cfg   Config
	sinks []Sink
	log   logger.Logger

	queue chan Message

	mu     sync.RWMutex
	closed bool
}

func New(cfg Config, log logger.Logger, sinks ...Sink) *Notifier {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if log == nil {
		log = logger.Nop()
	}

	return &Notifier{
		cfg:   cfg,
		sinks: sinks,
		log:   log,
		queue: make(chan Message, cfg.QueueSize),
	}
}

func (n *Notifier) Sinks() []string {
	names := make([]string, 0, len(n.sinks))
	for _, s := range n.sinks {
		names = append(names, s.Name())
	}
	return names
}

// NotifyTransition renders ev and queues it.
func (n *Notifier) NotifyTransition(ev Event) error {
	return n.Enqueue(RenderTransition(ev))
}

// Enqueue never blocks. A full queue drops msg and reports ErrQueueFull,
// a stopped notifier reports ErrNotifyClosed. Every dropped message is
// logged.
func (n *Notifier) Enqueue(msg Message) error {
	errFactory := errors.New()

	n.mu.RLock()
	defer n.mu.RUnlock()

	var err errors.Error
	if n.closed {
		err = errFactory.WithData(ErrNotifyClosed, msg.Title)
	} else {
		select {
		case n.queue <- msg:
			return nil
		default:
			err = errFactory.WithData(ErrQueueFull, msg.Title)
		}
	}

	n.log.ErrorWithContext(err, "notify", "enqueue").
		Str("title", msg.Title).
		Msg("Notification dropped")
	return err
}

// Run delivers queued messages until ctx is done, then flushes what is
// left with a short deadline.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		case <-ctx.Done():
			n.close()
			n.drain()
			return nil
		}
	}
}

func (n *Notifier) close() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.closed = true
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case msg := <-n.queue:
			n.deliver(ctx, msg)
		default:
			return
		}
	}
}

func (n *Notifier) deliver(ctx context.Context, msg Message) {
	for _, s := range n.sinks {
		sctx, cancel := context.WithTimeout(ctx, n.cfg.SendTimeout)
		err := s.Send(sctx, msg)
		cancel()

		if err != nil {
			n.log.ErrorWithContext(errors.From(err), "notify", "send").
				Str("sink", s.Name()).
				Msg("Failed to deliver notification")
			continue
		}
		n.log.Debug().Str("sink", s.Name()).Str("title", msg.Title).Msg("Notification delivered")
	}
}
