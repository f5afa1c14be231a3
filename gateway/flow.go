package gateway

import (
	"net/http"
	"strings"
)

// Decision is the per-request outcome of the authentication gate.
type Decision int

const (
	// DecisionPass lets the request through to the protected resource.
	DecisionPass Decision = iota
	// DecisionRedirect sends the browser to the IDP to authenticate.
	DecisionRedirect
	// DecisionDenied is an access-denied outcome (error redirect or 403).
	DecisionDenied
	// DecisionError is a server-side failure surfaced as an HTTP status.
	DecisionError
)

// GateResult carries a decision plus the side effects the pipeline must
// apply: attribute injection on pass, the authorize URL on redirect, cookie
// clearing when a stale session was found, and a status on error.
type GateResult struct {
	Decision     Decision
	AuthorizeURL string
	Attrs        map[string]string
	ClearCookie  bool
	Status       int
}

// Subject attribute header always injected for authenticated requests.
const headerRemoteUser = "X-Remote-User"

// checkUserID is the main gate, evaluated before the protected resource is
// served. State is reconstructed per request from the cookie and the
// session store; there is no long-lived per-user state.
func (a *App) checkUserID(r *http.Request, loc *LocationConfig) GateResult {
	cookie, err := r.Cookie(loc.CookieName())
	if err != nil || cookie.Value == "" {
		if loc.AnonymousUser != "" {
			return GateResult{
				Decision: DecisionPass,
				Attrs:    map[string]string{headerRemoteUser: loc.AnonymousUser},
			}
		}
		return a.challenge(r, loc, false)
	}

	record, err := a.Sessions.Read(cookie.Value, loc.Policy(), r.RemoteAddr)
	if err != nil {
		a.Logger.Error("session store failure", "error", err)
		return GateResult{Decision: DecisionError, Status: http.StatusInternalServerError}
	}
	if record == nil {
		// Missing, expired, or address-mismatched: force re-authentication.
		return a.challenge(r, loc, true)
	}

	return GateResult{Decision: DecisionPass, Attrs: injectedAttrs(loc, record)}
}

func (a *App) challenge(r *http.Request, loc *LocationConfig, clearCookie bool) GateResult {
	original := r.URL.RequestURI()
	return GateResult{
		Decision:     DecisionRedirect,
		AuthorizeURL: a.Idp.AuthorizeURL(loc, original),
		ClearCookie:  clearCookie,
	}
}

// injectedAttrs maps session attributes onto the request attribute headers
// the protected resource sees. The subject is always exposed; everything
// else follows the location's profile mapping.
func injectedAttrs(loc *LocationConfig, record map[string]string) map[string]string {
	attrs := map[string]string{headerRemoteUser: record[attrUser]}
	for field, header := range loc.ProfileAttrs {
		if v, ok := record[field]; ok && v != "" {
			attrs[header] = v
		}
	}
	return attrs
}

// decodeState recovers the original request URL from the state parameter.
// Only site-relative URLs are accepted; anything else falls back to the
// location root so the callback can never become an open redirect.
func decodeState(state string, loc *LocationConfig) string {
	if strings.HasPrefix(state, "/") && !strings.HasPrefix(state, "//") {
		return state
	}
	return loc.Path
}
