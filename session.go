package turnstile

import (
	"time"

	"github.com/aadithya-v/turnstile/store"
)

// Status is the lifecycle state of a session.
type Status = store.Status

const (
	StatusActive  = store.StatusActive
	StatusEvicted = store.StatusEvicted
	StatusExpired = store.StatusExpired
)

// Session is one authenticated device of an identity.
type Session struct {
	SessionID      string       `json:"session_id"`
	IdentityID     string       `json:"identity_id"`
	Device         DeviceInfo   `json:"device"`
	Location       LocationInfo `json:"location"`
	Status         Status       `json:"status"`
	CreatedAt      time.Time    `json:"created_at"`
	LastActivityAt time.Time    `json:"last_activity"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`

	// IsCurrent marks the caller's own session in ListSessions.
	IsCurrent bool `json:"is_current"`
}

// DeviceInfo contains device information extracted from the HTTP request.
type DeviceInfo struct {
	IP         string `json:"ip"`
	UserAgent  string `json:"user_agent"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	DeviceType string `json:"device_type"` // mobile, desktop, tablet, bot
}

// LocationInfo contains geographic location extracted from IP address.
type LocationInfo struct {
	IP        string  `json:"ip"`
	City      string  `json:"city"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// SessionAttrs describes the device asking to be admitted.
type SessionAttrs struct {
	Device   DeviceInfo
	Location LocationInfo
}

// AdmitStatus is the outcome of an admission attempt.
type AdmitStatus string

const (
	// Admitted means a new session was created.
	Admitted AdmitStatus = "admitted"

	// LimitExceeded means the identity is at its limit and nothing was created.
	LimitExceeded AdmitStatus = "limit_exceeded"
)

// AdmitResult is returned from Admit and Replace.
type AdmitResult struct {
	Status AdmitStatus `json:"status"`

	// Session is the newly created session. Nil if the limit was exceeded.
	Session *Session `json:"session,omitempty"`

	// ActiveSessions is the identity's active set, newest first. On
	// LimitExceeded it is exactly the set the decision was made on, so the
	// caller can offer one of them for eviction.
	ActiveSessions []*Session `json:"active_sessions"`

	// MaxDevices is the limit the decision was made against.
	MaxDevices int `json:"max_devices"`

	// IsNewLocation is true if the login comes from far away from the
	// identity's newest session. Informational only.
	IsNewLocation bool `json:"is_new_location"`

	// PreviousLocation is the location compared against.
	// Only set if IsNewLocation is true.
	PreviousLocation *LocationInfo `json:"previous_location,omitempty"`
}

// InvalidReason says why a session is no longer valid.
type InvalidReason string

const (
	ReasonEvicted  InvalidReason = "evicted"
	ReasonExpired  InvalidReason = "expired"
	ReasonNotFound InvalidReason = "not_found"
)

// Validity is the answer to IsValid.
type Validity struct {
	Valid   bool          `json:"valid"`
	Reason  InvalidReason `json:"reason,omitempty"`
	Message string        `json:"message,omitempty"`
}

func newRecord(sessionID, identityID string, attrs SessionAttrs, now time.Time) *store.Session {
	return &store.Session{
		SessionID:      sessionID,
		IdentityID:     identityID,
		DeviceType:     attrs.Device.DeviceType,
		Browser:        attrs.Device.Browser,
		OS:             attrs.Device.OS,
		UserAgent:      attrs.Device.UserAgent,
		IP:             attrs.Device.IP,
		LocCity:        attrs.Location.City,
		LocCountry:     attrs.Location.Country,
		LocLat:         attrs.Location.Latitude,
		LocLng:         attrs.Location.Longitude,
		Status:         store.StatusActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
}

// storeToSession converts a store.Session to a public Session.
func storeToSession(s *store.Session) *Session {
	return &Session{
		SessionID:  s.SessionID,
		IdentityID: s.IdentityID,
		Device: DeviceInfo{
			IP:         s.IP,
			UserAgent:  s.UserAgent,
			Browser:    s.Browser,
			OS:         s.OS,
			DeviceType: s.DeviceType,
		},
		Location:       locationOf(s),
		Status:         s.Status,
		CreatedAt:      s.CreatedAt,
		LastActivityAt: s.LastActivityAt,
		EndedAt:        s.EndedAt,
	}
}

func storeToSessions(records []*store.Session) []*Session {
	sessions := make([]*Session, len(records))
	for i, s := range records {
		sessions[i] = storeToSession(s)
	}
	return sessions
}

func locationOf(s *store.Session) LocationInfo {
	return LocationInfo{
		IP:        s.IP,
		City:      s.LocCity,
		Country:   s.LocCountry,
		Latitude:  s.LocLat,
		Longitude: s.LocLng,
	}
}
