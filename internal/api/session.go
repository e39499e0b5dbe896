package api

import (
	"net/http"
	"time"

	"github.com/BTreeMap/O1Intake/internal/flow"
)

// SessionCookieName carries the browser's session id.
const SessionCookieName = "o1_session_id"

const sessionCookieMaxAge = 30 * 24 * time.Hour

// sessionFromRequest returns the cookie session id, or "".
func sessionFromRequest(r *http.Request) string {
	if c, err := r.Cookie(SessionCookieName); err == nil && c.Value != "" {
		return c.Value
	}
	return ""
}

// ensureSession returns the request's session id, minting one and setting the
// cookie when the request has none.
func (s *Server) ensureSession(w http.ResponseWriter, r *http.Request) string {
	if id := sessionFromRequest(r); id != "" {
		return id
	}
	id := flow.NewSessionID()
	s.setSessionCookie(w, id)
	return id
}

func (s *Server) setSessionCookie(w http.ResponseWriter, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(sessionCookieMaxAge.Seconds()),
		HttpOnly: true,
		Secure:   s.opts.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}
