package transport

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/credential"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
	"codeberg.org/mutker/ecoflowctl/internal/logger"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
)

const (
	qosAtLeastOnce = 1
	subackFailure  = 0x80

	defaultKeepAlive      = 60 * time.Second
	defaultConnectTimeout = 15 * time.Second
	disconnectQuiesceMs   = 250
	clientIDPrefix        = "OPEN_API_"
)

// MQTTDialer dials EcoFlow brokers with paho. The client's own reconnect
// logic is switched off.
type MQTTDialer struct {
	KeepAlive      time.Duration
	ConnectTimeout time.Duration
	// TLSConfig overrides the default verified TLS 1.2+ configuration.
	TLSConfig *tls.Config
	Logger    logger.Logger
}

func NewMQTTDialer(connectTimeout time.Duration, log logger.Logger) *MQTTDialer {
	return &MQTTDialer{
		KeepAlive:      defaultKeepAlive,
		ConnectTimeout: connectTimeout,
		Logger:         log.With("transport"),
	}
}

func (d *MQTTDialer) Dial(ctx context.Context, creds credential.Credentials, onLost func(error)) (Session, error) {
	log := d.Logger
	if log == nil {
		log = logger.Nop()
	}

	clientID := newClientID()

	var lostOnce sync.Once
	opts := mqtt.NewClientOptions().
		AddBroker(creds.BrokerURL()).
		SetClientID(clientID).
		SetUsername(creds.Username).
		SetPassword(creds.Password).
		SetProtocolVersion(4).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetKeepAlive(orDefault(d.KeepAlive, defaultKeepAlive)).
		SetConnectTimeout(orDefault(d.ConnectTimeout, defaultConnectTimeout)).
		SetOrderMatters(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			lostOnce.Do(func() {
				if onLost != nil {
					onLost(errors.New().Wrap(ErrTransport, err))
				}
			})
		})

	if creds.TLS() {
		tlsCfg := d.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12, ServerName: creds.Host}
		}
		opts.SetTLSConfig(tlsCfg)
	}

	log.Debug().
		Str("broker", creds.BrokerURL()).
		Str("client_id", clientID).
		Msg("Connecting to MQTT broker")

	client := mqtt.NewClient(opts)
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return nil, classifyConnectError(err)
	}

	return &mqttSession{client: client, log: log}, nil
}

type mqttSession struct {
	client mqtt.Client
	log    logger.Logger
}

func (s *mqttSession) Subscribe(ctx context.Context, topic string, h Handler) error {
	errFactory := errors.New()

	token := s.client.Subscribe(topic, qosAtLeastOnce, func(_ mqtt.Client, m mqtt.Message) {
		h(m.Topic(), m.Payload())
	})
	if err := wait(ctx, token); err != nil {
		return errFactory.Wrap(ErrTransport, err)
	}

	if st, ok := token.(*mqtt.SubscribeToken); ok {
		if granted, ok := st.Result()[topic]; ok && granted == subackFailure {
			return errFactory.Wrap(ErrTransport, errFactory.WithData(ErrSubscribe, topic))
		}
	}

	return nil
}

func (s *mqttSession) Publish(ctx context.Context, topic string, payload []byte) error {
	errFactory := errors.New()

	if !s.client.IsConnectionOpen() {
		return errFactory.New(ErrNotConnected)
	}
	if err := wait(ctx, s.client.Publish(topic, qosAtLeastOnce, false, payload)); err != nil {
		return errFactory.Wrap(ErrTransport, err)
	}
	return nil
}

func (s *mqttSession) Close() {
	s.client.Disconnect(disconnectQuiesceMs)
	s.log.Debug().Msg("MQTT session closed")
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// classifyConnectError marks broker refusals caused by bad credentials so
// the caller knows to fetch new ones.
func classifyConnectError(err error) error {
	errFactory := errors.New()

	if errors.Is(err, packets.ErrorRefusedNotAuthorised) || errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) {
		return errFactory.Wrap(ErrTransport, errFactory.Wrap(ErrNotAuthorized, err))
	}
	return errFactory.Wrap(ErrTransport, err)
}

// IsNotAuthorized reports whether err is a broker credential refusal.
func IsNotAuthorized(err error) bool {
	return errors.HasCode(err, ErrNotAuthorized)
}

func newClientID() string {
	id := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", ""))
	return clientIDPrefix + id[:12]
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
