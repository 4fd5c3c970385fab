package security

// Event type constants for security audit logging.
const (
	// Token events

	// EventTokenIssued is logged when an access token is issued to a client
	EventTokenIssued = "token_issued"

	// Authorization flow events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a consumed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventAuthFailure is logged when a token exchange is rejected
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when the code_verifier does not match the challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect_uri is not registered for the client
	EventInvalidRedirect = "invalid_redirect"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// Client registry events

	// EventClientRegistered is logged when a static client is registered
	EventClientRegistered = "client_registered"

	// EventClientDeleted is logged when a static client is deleted
	EventClientDeleted = "client_deleted"

	// Client metadata document events

	// EventClientMetadataFetched is logged after a metadata document was fetched and validated
	EventClientMetadataFetched = "client_metadata_fetched"

	// EventClientMetadataFetchFailed is logged when a fetch fails at the transport or HTTP level
	EventClientMetadataFetchFailed = "client_metadata_fetch_failed"

	// EventClientMetadataInvalid is logged when a fetched document fails validation
	EventClientMetadataInvalid = "client_metadata_invalid"

	// EventClientMetadataIDMismatch is logged when a document claims a different client_id than its URL
	EventClientMetadataIDMismatch = "client_metadata_id_mismatch"

	// EventClientMetadataFetchBlocked is logged when a fetch target resolves to a private address
	EventClientMetadataFetchBlocked = "client_metadata_fetch_blocked"

	// EventClientMetadataRateLimited is logged when fetches to a host exceed the rate limit
	EventClientMetadataRateLimited = "client_metadata_rate_limited"

	// Key events

	// EventSigningKeyGenerated is logged when a new signing keypair is generated and persisted
	EventSigningKeyGenerated = "signing_key_generated"
)
