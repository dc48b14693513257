package api

import (
	"time"

	"codeberg.org/mutker/ecoflowctl/internal/device"
	"codeberg.org/mutker/ecoflowctl/internal/errors"
)

const (
	DefaultListen         = ":8087"
	defaultRequestTimeout = 30 * time.Second
	shutdownTimeout       = 5 * time.Second
)

type Config struct {
	// Listen is the HTTP address; empty disables the server.
	Listen string
	// Token, when set, is required as a bearer token on /api routes.
	Token          string
	RequestTimeout time.Duration
	DeviceSN       string
	Profile        device.Profile
	AC             device.ACDefaults
}

func (c Config) Validate() error {
	if err := c.AC.Validate(); err != nil {
		return errors.New().Wrap(ErrInvalidConfig, err)
	}
	return nil
}
