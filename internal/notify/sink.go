package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
	"github.com/cenkalti/backoff/v4"
)

// Sink delivers a rendered message somewhere.
type Sink interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}

const (
	defaultUsername    = "EcoFlow Monitor"
	defaultMaxAttempts = 3
	maxErrorBody       = 512
)

// Webhook posts messages as embeds to a Discord compatible webhook URL.
type Webhook struct {
	name     string
	url      string
	username string
	client   *http.Client
	backoff  func() backoff.BackOff
}

type WebhookOption func(*Webhook)

func WithHTTPClient(c *http.Client) WebhookOption {
	return func(w *Webhook) { w.client = c }
}

func WithUsername(name string) WebhookOption {
	return func(w *Webhook) { w.username = name }
}

// WithBackoff replaces the retry policy used for rate limited and 5xx
// responses.
func WithBackoff(fn func() backoff.BackOff) WebhookOption {
	return func(w *Webhook) { w.backoff = fn }
}

func NewWebhook(name, rawURL string, opts ...WebhookOption) (*Webhook, error) {
	errFactory := errors.New()

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errFactory.Wrap(ErrInvalidURL, err)
	}
	if (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
		return nil, errFactory.WithData(ErrInvalidURL, name)
	}

	w := &Webhook{
		name:     name,
		url:      rawURL,
		username: defaultUsername,
		client:   &http.Client{Timeout: 10 * time.Second},
		backoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), defaultMaxAttempts-1)
		},
	}
	for _, opt := range opts {
		opt(w)
	}

	return w, nil
}

func (w *Webhook) Name() string { return w.name }

type webhookPayload struct {
	Username string         `json:"username,omitempty"`
	Content  string         `json:"content,omitempty"`
	Embeds   []webhookEmbed `json:"embeds,omitempty"`
}

type webhookEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Fields      []webhookField `json:"fields,omitempty"`
	Footer      *webhookFooter `json:"footer,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
}

type webhookField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type webhookFooter struct {
	Text string `json:"text"`
}

func (w *Webhook) payload(msg Message) webhookPayload {
	embed := webhookEmbed{
		Title:       msg.Title,
		Description: msg.Description,
		Color:       msg.Color,
	}
	for _, f := range msg.Fields {
		embed.Fields = append(embed.Fields, webhookField{Name: f.Name, Value: f.Value, Inline: f.Inline})
	}
	if msg.Footer != "" {
		embed.Footer = &webhookFooter{Text: msg.Footer}
	}
	if !msg.Timestamp.IsZero() {
		embed.Timestamp = msg.Timestamp.UTC().Format(time.RFC3339)
	}

	return webhookPayload{Username: w.username, Embeds: []webhookEmbed{embed}}
}

// Send posts msg, retrying on 429 and 5xx responses. Other 4xx responses
// fail immediately.
func (w *Webhook) Send(ctx context.Context, msg Message) error {
	errFactory := errors.New()

	body, err := json.Marshal(w.payload(msg))
	if err != nil {
		return errFactory.Wrap(ErrDelivery, err)
	}

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(errFactory.Wrap(ErrDelivery, err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := w.client.Do(req)
		if err != nil {
			return errFactory.Wrap(ErrDelivery, err)
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}

		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		status := fmt.Sprintf("%s: %d %s", w.name, resp.StatusCode, bytes.TrimSpace(snippet))

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			if d := retryAfter(resp); d > 0 {
				select {
				case <-time.After(d):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return errFactory.WithData(ErrRejected, status)
		case resp.StatusCode >= 500:
			return errFactory.WithData(ErrRejected, status)
		}

		return backoff.Permanent(errFactory.WithData(ErrRejected, status))
	}

	return backoff.Retry(op, backoff.WithContext(w.backoff(), ctx))
}

// retryAfter reads the delay a rate limited response asks for, capped so a
// misbehaving server cannot stall the queue.
func retryAfter(resp *http.Response) time.Duration {
	const maxWait = 30 * time.Second

	v := resp.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	d := time.Duration(secs * float64(time.Second))
	if d > maxWait {
		return maxWait
	}
	return d
}

// LogSink writes messages to the structured log. It is always present so
// transitions are visible without any webhook configured.
type LogSink struct {
	log logger.Logger
}

func NewLogSink(log logger.Logger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Send(_ context.Context, msg Message) error {
	s.log.Info().
		Str("title", msg.Title).
		Int("color", msg.Color).
		Msg(msg.Text())
	return nil
}
