package transport

import (
	"context"

	"codeberg.org/mutker/ecoflowctl/internal/credential"
)

// Handler receives every message delivered on a subscription. It runs on
// the client's network goroutine and must not publish.
type Handler func(topic string, payload []byte)

// Session is one connected broker session. It does not reconnect; once
// the connection is lost the session is dead and a new one must be dialed.
type Session interface {
	Subscribe(ctx context.Context, topic string, h Handler) error
	Publish(ctx context.Context, topic string, payload []byte) error
	Close()
}

// Dialer opens sessions. onLost is invoked at most once, from a client
// goroutine, when an established session drops.
type Dialer interface {
	Dial(ctx context.Context, creds credential.Credentials, onLost func(error)) (Session, error)
}
