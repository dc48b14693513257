package device

import "codeberg.org/mutker/ecoflowctl/internal/errors"

const (
	ErrUnknownProfile = errors.ErrorCode("device_unknown_profile")
	ErrInvalidProfile = errors.ErrorCode("device_invalid_profile")
	ErrUnknownField   = errors.ErrorCode("device_unknown_field")
	ErrUnknownOutput  = errors.ErrorCode("device_unknown_output")
	ErrInvalidCommand = errors.ErrInvalidCommand
	ErrInvalidACValue = errors.ErrorCode("device_invalid_ac_value")
)
