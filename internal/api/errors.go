package api

import "codeberg.org/mutker/ecoflowctl/internal/errors"

const (
	ErrInvalidConfig = errors.ErrInvalidConfig
	ErrNoController  = errors.ErrorCode("api_no_controller")
	ErrServe         = errors.ErrorCode("api_serve_failed")
	ErrUnauthorized  = errors.ErrorCode("api_unauthorized")
	ErrNotFound      = errors.ErrorCode("api_not_found")
	ErrBadRequest    = errors.ErrorCode("api_bad_request")
	ErrHubClosed     = errors.ErrorCode("api_hub_closed")
)
