package telemetry

import "codeberg.org/mutker/ecoflowctl/internal/errors"

const (
	ErrMalformedMessage = errors.ErrMalformedMessage
	ErrEmptyPayload     = errors.ErrorCode("telemetry_empty_payload")
	ErrNotAnObject      = errors.ErrorCode("telemetry_not_an_object")
)
