package credential

import (
	"fmt"
	"strconv"
	"time"
)

const DefaultAPIHost = "https://api.ecoflow.com"

// Topics are the per account MQTT topics of one device.
type Topics struct {
	Telemetry string
	Command   string
}

// Credentials are short lived MQTT session credentials. Password is a
// secret and is redacted by String.
type Credentials struct {
	Host      string
	Port      int
	Protocol  string
	Username  string
	Password  string
	DeviceSN  string
	Topics    Topics
	FetchedAt time.Time
}

func topicsFor(account, sn string) Topics {
	return Topics{
		Telemetry: fmt.Sprintf("/open/%s/%s/quota", account, sn),
		Command:   fmt.Sprintf("/open/%s/%s/set", account, sn),
	}
}

// BrokerURL returns the address in the form the MQTT client expects.
func (c Credentials) BrokerURL() string {
	scheme := "ssl"
	switch c.Protocol {
	case "mqtt", "tcp":
		scheme = "tcp"
	case "ws", "wss":
		scheme = c.Protocol
	}
	return scheme + "://" + c.Host + ":" + strconv.Itoa(c.Port)
}

// TLS reports whether the session must be encrypted.
func (c Credentials) TLS() bool {
	switch c.Protocol {
	case "mqtt", "tcp", "ws":
		return false
	}
	return true
}

// Expired reports whether c is older than ttl at now. A zero ttl never
// expires.
func (c Credentials) Expired(ttl time.Duration, now time.Time) bool {
	if ttl <= 0 {
		return false
	}
	return now.Sub(c.FetchedAt) >= ttl
}

func (c Credentials) String() string {
	return fmt.Sprintf("%s@%s (password redacted)", c.Username, c.BrokerURL())
}

// GoString keeps %#v from leaking the password as well.
func (c Credentials) GoString() string {
	return "credential.Credentials{" + c.String() + "}"
}
