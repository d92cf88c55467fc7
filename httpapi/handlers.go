package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/aadithya-v/turnstile"
)

// SessionView is the wire form of a session in API responses.
type SessionView struct {
	SessionID    string                  `json:"session_id"`
	DeviceInfo   DeviceInfoView          `json:"device_info"`
	IPAddress    string                  `json:"ip_address"`
	Location     *turnstile.LocationInfo `json:"location,omitempty"`
	CreatedAt    time.Time               `json:"created_at"`
	LastActivity time.Time               `json:"last_activity"`
	IsCurrent    bool                    `json:"is_current"`
}

type DeviceInfoView struct {
	DeviceType string `json:"device_type"`
	Browser    string `json:"browser"`
	OS         string `json:"os"`
	UserAgent  string `json:"user_agent"`
}

// CreateResponse is the body of create and force-create responses.
type CreateResponse struct {
	Status           string                  `json:"status"`
	SessionID        string                  `json:"session_id,omitempty"`
	CurrentSessions  []SessionView           `json:"current_sessions,omitempty"`
	MaxDevices       int                     `json:"max_devices,omitempty"`
	IsNewLocation    bool                    `json:"is_new_location,omitempty"`
	PreviousLocation *turnstile.LocationInfo `json:"previous_location,omitempty"`
}

// Response statuses of CreateResponse.
const (
	StatusSuccess             = "success"
	StatusDeviceLimitExceeded = "device_limit_exceeded"
)

type ForceCreateRequest struct {
	SessionID string `json:"session_id"`
}

type HeartbeatResponse struct {
	OK bool `json:"ok"`
}

func toDeviceView(s *turnstile.Session, currentSessionID string) SessionView {
	v := SessionView{
		SessionID: s.SessionID,
		DeviceInfo: DeviceInfoView{
			DeviceType: s.Device.DeviceType,
			Browser:    s.Device.Browser,
			OS:         s.Device.OS,
			UserAgent:  s.Device.UserAgent,
		},
		IPAddress:    s.Device.IP,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivityAt,
		IsCurrent:    s.IsCurrent || (currentSessionID != "" && s.SessionID == currentSessionID),
	}
	if s.Location.City != "" || s.Location.Country != "" {
		loc := s.Location
		v.Location = &loc
	}
	return v
}

func toDeviceViews(sessions []*turnstile.Session, currentSessionID string) []SessionView {
	views := make([]SessionView, len(sessions))
	for i, s := range sessions {
		views[i] = toDeviceView(s, currentSessionID)
	}
	return views
}

func admitResponse(result *turnstile.AdmitResult, currentSessionID string) CreateResponse {
	if result.Status == turnstile.LimitExceeded {
		return CreateResponse{
			Status:          StatusDeviceLimitExceeded,
			CurrentSessions: toDeviceViews(result.ActiveSessions, currentSessionID),
			MaxDevices:      result.MaxDevices,
		}
	}
	return CreateResponse{
		Status:           StatusSuccess,
		SessionID:        result.Session.SessionID,
		IsNewLocation:    result.IsNewLocation,
		PreviousLocation: result.PreviousLocation,
	}
}

// currentSessionID returns the caller's own session from the header or the
// session_id query parameter.
func currentSessionID(r *http.Request) string {
	if id := r.Header.Get(SessionHeader); id != "" {
		return id
	}
	return r.URL.Query().Get("session_id")
}

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	identityID, _ := IdentityFromContext(r.Context())

	result, err := h.svc.Admit(r.Context(), identityID, 0, h.svc.ExtractRequestInfo(r))
	if err != nil {
		h.internalError(w, r, "api.sessions.create.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, admitResponse(result, currentSessionID(r)))
}

func (h *Handler) forceCreateSession(w http.ResponseWriter, r *http.Request) {
	identityID, _ := IdentityFromContext(r.Context())

	var req ForceCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "session_id of the session to replace is required")
		return
	}

	result, err := h.svc.Replace(r.Context(), identityID, req.SessionID, h.svc.ExtractRequestInfo(r))
	if errors.Is(err, turnstile.ErrVictimNotActive) {
		writeError(w, http.StatusConflict, "victim_not_active",
			"The selected session is no longer active. Please try signing in again.")
		return
	}
	if err != nil {
		h.internalError(w, r, "api.sessions.force_create.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, admitResponse(result, ""))
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	identityID, _ := IdentityFromContext(r.Context())
	current := currentSessionID(r)

	sessions, err := h.svc.ListSessions(r.Context(), identityID, current)
	if err != nil {
		h.internalError(w, r, "api.sessions.list.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, toDeviceViews(sessions, current))
}

func (h *Handler) terminateSession(w http.ResponseWriter, r *http.Request) {
	identityID, _ := IdentityFromContext(r.Context())

	err := h.svc.Terminate(r.Context(), identityID, chi.URLParam(r, "sessionID"))
	if errors.Is(err, turnstile.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "Session not found")
		return
	}
	if err != nil {
		h.internalError(w, r, "api.sessions.terminate.fail", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request) {
	err := h.svc.Heartbeat(r.Context(), chi.URLParam(r, "sessionID"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, HeartbeatResponse{OK: true})
	case errors.Is(err, turnstile.ErrNotActive):
		writeJSON(w, http.StatusOK, HeartbeatResponse{OK: false})
	case errors.Is(err, turnstile.ErrSessionNotFound):
		writeJSON(w, http.StatusNotFound, HeartbeatResponse{OK: false})
	default:
		h.internalError(w, r, "api.sessions.heartbeat.fail", err)
	}
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		sessionID = r.Header.Get(SessionHeader)
	}

	validity, err := h.svc.IsValid(r.Context(), sessionID)
	if err != nil {
		h.internalError(w, r, "api.session.validate.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, validity)
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, event string, err error) {
	h.log.ErrorContext(r.Context(), event, "err", err)
	writeError(w, http.StatusInternalServerError, "internal", "internal server error")
}
