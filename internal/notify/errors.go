package notify

import "codeberg.org/mutker/ecoflowctl/internal/errors"

const (
	ErrDelivery     = errors.ErrorCode("notify_delivery_failed")
	ErrRejected     = errors.ErrorCode("notify_rejected")
	ErrInvalidURL   = errors.ErrorCode("notify_invalid_webhook_url")
	ErrQueueFull    = errors.ErrorCode("notify_queue_full")
	ErrNotifyClosed = errors.ErrorCode("notify_closed")
)
