package credential

import "codeberg.org/mutker/ecoflowctl/internal/errors"

const (
	ErrAuth = errors.ErrAuth

	ErrMissingAccessKey = errors.ErrorCode("credential_missing_access_key")
	ErrMissingSecretKey = errors.ErrorCode("credential_missing_secret_key")
	ErrInvalidSerial    = errors.ErrorCode("credential_invalid_serial")
	ErrInvalidHost      = errors.ErrorCode("credential_invalid_host")
)

// Reason classifies why a credential request failed.
type Reason string

const (
	ReasonNetwork           Reason = "network"
	ReasonSignatureRejected Reason = "signature_rejected"
	ReasonMalformedResponse Reason = "malformed_response"
)

// ReasonOf extracts the failure reason from an auth error.
func ReasonOf(err error) (Reason, bool) {
	data, ok := errors.DataOf(err, ErrAuth)
	if !ok {
		return "", false
	}
	r, ok := data.(Reason)
	return r, ok
}

func authError(reason Reason, cause error) error {
	errFactory := errors.New()
	if cause == nil {
		return errFactory.WithData(ErrAuth, reason)
	}
	return errFactory.Wrap(ErrAuth, cause).WithData(reason)
}
