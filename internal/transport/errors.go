package transport

import "codeberg.org/mutker/ecoflowctl/internal/errors"

const (
	ErrTransport     = errors.ErrTransport
	ErrNotConnected  = errors.ErrNotConnected
	ErrNotAuthorized = errors.ErrorCode("transport_not_authorized")
	ErrSubscribe     = errors.ErrorCode("transport_subscribe_refused")
)
