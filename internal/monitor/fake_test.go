package monitor_test

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/credential"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/transport"
)

type publishCall struct {
	Topic   string
	Payload []byte
}

type fakeSession struct {
	mu         sync.Mutex
	handler    transport.Handler
	topics     []string
	published  []publishCall
	publishErr error
	closed     bool
	onLost     func(error)

	// gate, when set, holds Publish until it is closed.
	gate    chan struct{}
	entered chan struct{}
}

func (s *fakeSession) Subscribe(_ context.Context, topic string, h transport.Handler) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.handler = h
	return nil
}

func (s *fakeSession) Publish(_ context.Context, topic string, payload []byte) error {
	s.mu.Lock()
	gate, entered := s.gate, s.entered
	s.mu.Unlock()
	if gate != nil {
		close(entered)
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, publishCall{Topic: topic, Payload: append([]byte(nil), payload...)})
	return nil
}

func (s *fakeSession) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// deliver pushes payload through the subscribed handler, as the client's
// network goroutine would.
func (s *fakeSession) deliver(payload string) {
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil {
		h("/open/acct/SN/quota", []byte(payload))
	}
}

func (s *fakeSession) drop(err error) {
	s.onLost(errors.New().Wrap(errors.ErrTransport, err))
}

func (s *fakeSession) calls() []publishCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishCall(nil), s.published...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// holdPublish makes the next Publish block until release is called. The
// returned channel is closed once Publish has been entered.
func (s *fakeSession) holdPublish() (entered <-chan struct{}, release func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gate = make(chan struct{})
	s.entered = make(chan struct{})
	return s.entered, func() { close(s.gate) }
}

func (s *fakeSession) setPublishErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishErr = err
}

type fakeDialer struct {
	mu       sync.Mutex
	sessions []*fakeSession
	creds    []credential.Credentials
	// errs are returned by successive dials before any session is made.
	errs []error
}

func (d *fakeDialer) Dial(_ context.Context, creds credential.Credentials, onLost func(error)) (transport.Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.creds = append(d.creds, creds)
	if len(d.errs) > 0 {
		err := d.errs[0]
		d.errs = d.errs[1:]
		if err != nil {
			return nil, err
		}
	}

	s := &fakeSession{onLost: onLost}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.creds)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

func (d *fakeDialer) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeFetcher) fetch(_ context.Context) (credential.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return credential.Credentials{}, err
		}
	}

	return credential.Credentials{
		Host:     "mqtt.example.com",
		Port:     8883,
		Protocol: "mqtts",
		Username: "acct",
		Password: "pw",
		DeviceSN: "SN",
		Topics: credential.Topics{
			Telemetry: "/open/acct/SN/quota",
			Command:   "/open/acct/SN/set",
		},
		FetchedAt: time.Now(),
	}, nil
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
