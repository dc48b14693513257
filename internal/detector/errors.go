package detector

import "codeberg.org/mutker/ecoflowctl/internal/errors"

const (
	ErrNoPowerFields    = errors.ErrorCode("detector_no_power_fields")
	ErrInvalidThreshold = errors.ErrorCode("detector_invalid_threshold")
	ErrInvalidMode      = errors.ErrorCode("detector_invalid_mode")
)
