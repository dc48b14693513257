package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"math/rand/v2"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
	"codeberg.org/mutker/ecoflowctl/internal/telemetry"
)

const (
	certificationPath = "/iot-open/sign/certification"
	quotaPath         = "/iot-open/sign/device/quota/all"

	defaultTimeout  = 15 * time.Second
	maxResponseSize = 1 << 20
)

var serialPattern = regexp.MustCompile(`^[A-Z0-9]{8,32}$`)

// Provider exchanges long lived API keys for MQTT credentials through the
// signed EcoFlow open API.
type Provider struct {
	host     string
	deviceSN string
	signer   signer
	client   *http.Client
	log      logger.Logger
}

type Option func(*Provider)

func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.client = c }
}

func WithLogger(l logger.Logger) Option {
	return func(p *Provider) { p.log = l.With("credential") }
}

// WithClock overrides the nonce and time sources used for signing.
func WithClock(nonce func() string, now func() time.Time) Option {
	return func(p *Provider) {
		p.signer.nonce = nonce
		p.signer.now = now
	}
}

// New validates the inputs and returns a Provider.
func New(apiHost, accessKey, secretKey, deviceSN string, opts ...Option) (*Provider, error) {
	if err := Validate(apiHost, accessKey, secretKey, deviceSN); err != nil {
		return nil, err
	}

	p := &Provider{
		host:     strings.TrimRight(apiHost, "/"),
		deviceSN: deviceSN,
		signer: signer{
			accessKey: accessKey,
			secretKey: secretKey,
			nonce:     randomNonce,
			now:       time.Now,
		},
		client: &http.Client{Timeout: defaultTimeout},
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// Validate checks the static inputs of a Provider.
func Validate(apiHost, accessKey, secretKey, deviceSN string) error {
	errFactory := errors.New()

	if strings.TrimSpace(accessKey) == "" {
		return errFactory.New(ErrMissingAccessKey)
	}
	if strings.TrimSpace(secretKey) == "" {
		return errFactory.New(ErrMissingSecretKey)
	}
	if !serialPattern.MatchString(deviceSN) {
		return errFactory.WithData(ErrInvalidSerial, deviceSN)
	}

	u, err := url.Parse(apiHost)
	if err != nil {
		return errFactory.Wrap(ErrInvalidHost, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errFactory.WithData(ErrInvalidHost, apiHost)
	}

	return nil
}

func (p *Provider) DeviceSN() string {
	return p.deviceSN
}

type certificationData struct {
	Account  string          `json:"certificateAccount"`
	Password string          `json:"certificatePassword"`
	URL      string          `json:"url"`
	Port     json.RawMessage `json:"port"`
	Protocol string          `json:"protocol"`
}

// Fetch requests a fresh set of MQTT credentials. Failures are returned
// as auth errors carrying a Reason; nothing is retried here.
func (p *Provider) Fetch(ctx context.Context) (Credentials, error) {
	p.log.Debug().Str("host", p.host).Msg("Fetching MQTT credentials")

	var data certificationData
	if err := p.get(ctx, certificationPath, nil, &data); err != nil {
		return Credentials{}, err
	}

	port, err := parsePort(data.Port)
	if err != nil || data.Account == "" || data.Password == "" || data.URL == "" {
		return Credentials{}, authError(ReasonMalformedResponse, err)
	}

	protocol := data.Protocol
	if protocol == "" {
		protocol = "mqtts"
	}

	creds := Credentials{
		Host:      data.URL,
		Port:      port,
		Protocol:  protocol,
		Username:  data.Account,
		Password:  data.Password,
		DeviceSN:  p.deviceSN,
		Topics:    topicsFor(data.Account, p.deviceSN),
		FetchedAt: p.signer.now(),
	}

	p.log.Info().
		Str("broker", creds.BrokerURL()).
		Str("account", creds.Username).
		Msg("MQTT credentials received")

	return creds, nil
}

// FetchQuota returns every current device reading, flattened the same
// way as pushed telemetry.
func (p *Provider) FetchQuota(ctx context.Context) (map[string]telemetry.Value, error) {
	p.log.Debug().Str("sn", p.deviceSN).Msg("Fetching device quota")

	var data map[string]any
	if err := p.get(ctx, quotaPath, map[string]string{"sn": p.deviceSN}, &data); err != nil {
		return nil, err
	}
	if data == nil {
		return nil, authError(ReasonMalformedResponse, nil)
	}

	return telemetry.FlattenFields(data), nil
}

type apiResponse struct {
	Code    json.RawMessage `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (p *Provider) get(ctx context.Context, path string, params map[string]string, out any) error {
	errFactory := errors.New()

	u := p.host + path
	if len(params) > 0 {
		q := url.Values{}
		for k, v := range params {
			q.Set(k, v)
		}
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, http.NoBody)
	if err != nil {
		return errFactory.Wrap(errors.ErrInvalidArgument, err)
	}
	p.signer.sign(req, params)

	resp, err := p.client.Do(req)
	if err != nil {
		return authError(ReasonNetwork, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return authError(ReasonNetwork, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return authError(ReasonSignatureRejected, errFactory.WithData(errors.ErrOperationFailed, resp.Status))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return authError(ReasonNetwork, errFactory.WithData(errors.ErrOperationFailed, resp.Status))
	}

	var env apiResponse
	if err := json.Unmarshal(body, &env); err != nil {
		return authError(ReasonMalformedResponse, err)
	}

	code := strings.Trim(string(bytes.TrimSpace(env.Code)), `"`)
	if code != "0" {
		return authError(ReasonSignatureRejected,
			errFactory.WithMessage(errors.ErrOperationFailed, "api code "+code+": "+env.Message))
	}

	if len(env.Data) == 0 {
		return authError(ReasonMalformedResponse, nil)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return authError(ReasonMalformedResponse, err)
	}

	return nil
}

// parsePort accepts the port as a JSON number or a numeric string.
func parsePort(raw json.RawMessage) (int, error) {
	s := strings.Trim(string(bytes.TrimSpace(raw)), `"`)
	port, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if port <= 0 || port > 65535 {
		return 0, errors.New().WithData(errors.ErrInvalidArgument, port)
	}
	return port, nil
}

func randomNonce() string {
	return strconv.Itoa(100_000 + rand.IntN(900_000))
}
