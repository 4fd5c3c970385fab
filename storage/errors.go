package storage

import "errors"

var (
	// ErrClientNotFound is returned when a client ID is not registered
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthorizationCodeNotFound is returned when a code does not exist
	ErrAuthorizationCodeNotFound = errors.New("authorization code not found")

	// ErrAuthorizationCodeExpired is returned when consuming a code at or past its expiry
	ErrAuthorizationCodeExpired = errors.New("authorization code expired")

	// ErrAuthorizationCodeUsed is returned when consuming a code that was already consumed
	ErrAuthorizationCodeUsed = errors.New("authorization code already used")

	// ErrSigningKeyNotFound is returned when no signing key is stored under the requested ID
	ErrSigningKeyNotFound = errors.New("signing key not found")

	// ErrClientMetadataNotFound is returned when no cached metadata exists for a client
	ErrClientMetadataNotFound = errors.New("client metadata not found")
)

// IsCodeRejection reports whether err is one of the expected outcomes of consuming an
// invalid code, as opposed to a storage failure.
func IsCodeRejection(err error) bool {
	return errors.Is(err, ErrAuthorizationCodeNotFound) ||
		errors.Is(err, ErrAuthorizationCodeExpired) ||
		errors.Is(err, ErrAuthorizationCodeUsed)
}

// IsCodeReuseError reports whether err indicates an authorization code replay
func IsCodeReuseError(err error) bool {
	return errors.Is(err, ErrAuthorizationCodeUsed)
}

// IsClientNotFound reports whether err indicates an unknown client ID
func IsClientNotFound(err error) bool {
	return errors.Is(err, ErrClientNotFound)
}
