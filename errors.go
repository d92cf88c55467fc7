package turnstile

import "errors"

var (
	// ErrSessionNotFound is returned when a session does not exist, belongs to
	// another identity, or has already ended.
	ErrSessionNotFound = errors.New("turnstile: session not found")

	// ErrVictimNotActive is returned by Replace when the session chosen for
	// eviction is no longer active. Nothing is created in that case.
	ErrVictimNotActive = errors.New("turnstile: victim session is not active")

	// ErrNotActive is returned by Heartbeat for a session that was evicted or
	// expired. The holder must re-authenticate.
	ErrNotActive = errors.New("turnstile: session is not active")

	// ErrInvalidIdentity is returned when an empty identity ID is passed.
	ErrInvalidIdentity = errors.New("turnstile: identity id must not be empty")

	// ErrGeoIPDatabaseNotConfigured is returned when GeoIP lookup is attempted
	// without configuring the GeoIP database path.
	ErrGeoIPDatabaseNotConfigured = errors.New("turnstile: GeoIP database path not configured")

	// ErrGeoIPLookupFailed is returned when IP geolocation lookup fails.
	ErrGeoIPLookupFailed = errors.New("turnstile: GeoIP lookup failed")

	// ErrInvalidIP is returned when an invalid IP address is provided.
	ErrInvalidIP = errors.New("turnstile: invalid IP address")
)
