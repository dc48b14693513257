package monitor

import "codeberg.org/mutker/ecoflowctl/internal/errors"

const (
	ErrNotConnected = errors.ErrNotConnected
	ErrTransport    = errors.ErrTransport
	ErrStopped      = errors.ErrorCode("monitor_stopped")
	ErrNoDialer     = errors.ErrorCode("monitor_no_dialer")
	ErrNoFetcher    = errors.ErrorCode("monitor_no_credential_source")
)
