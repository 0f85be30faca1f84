package discord

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrInvalidGrant means Discord rejected an authorization code or refresh
// token. Codes and refresh tokens are single-use, so this is terminal for
// that token: retrying the same call cannot succeed.
var ErrInvalidGrant = errors.New("discord: invalid grant")

// ProviderError is a transport failure or 5xx from Discord. Whether to
// retry is caller policy; this client never retries on its own because
// exchange, refresh, and revoke all consume single-use material.
type ProviderError struct {
	Op     string
	Status int // zero when the request never produced a response
	Err    error
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("discord: %s failed with status %d", e.Op, e.Status)
	}
	return fmt.Sprintf("discord: %s failed: %v", e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// mapTokenError classifies an error from the oauth2 token endpoint.
func mapTokenError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorCode == "invalid_grant" {
			return fmt.Errorf("%s: %w", op, ErrInvalidGrant)
		}
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		// Discord reports rejected codes as plain 400s when the error body
		// is not parseable; treat any 4xx without a recognized code the
		// same as invalid_grant since the grant is spent either way.
		if status >= 400 && status < 500 {
			return fmt.Errorf("%s: %w", op, ErrInvalidGrant)
		}
		return &ProviderError{Op: op, Status: status, Err: err}
	}
	return &ProviderError{Op: op, Err: err}
}
