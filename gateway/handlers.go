package gateway

import (
	"errors"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// App bundles runtime dependencies for the gateway.
type App struct {
	Config   Config
	Logger   *slog.Logger
	Sessions *SessionStore
	Idp      *IdpClient
	Proxy    *ProxyManager
	Metrics  *Metrics

	registry      *prometheus.Registry
	secureCookies bool
}

// NewApp wires together the application state from configuration.
func NewApp(cfg Config, logger *slog.Logger) (*App, error) {
	sessions, err := NewSessionStore(cfg.Server.SessionStorePath, logger)
	if err != nil {
		return nil, err
	}

	proxy, err := NewProxyManager(cfg.Locations, logger)
	if err != nil {
		return nil, fmt.Errorf("init proxy: %w", err)
	}

	registry := prometheus.NewRegistry()

	return &App{
		Config:        cfg,
		Logger:        logger,
		Sessions:      sessions,
		Idp:           NewIdpClient(cfg.Server.IDP, logger),
		Proxy:         proxy,
		Metrics:       NewMetrics(registry),
		registry:      registry,
		secureCookies: strings.HasPrefix(cfg.Server.PublicURL, "https://"),
	}, nil
}

// callbackStage intercepts requests whose URL exactly matches a registered
// callback URL. It runs before location dispatch, so the owning location is
// resolved from the URL alone.
func (a *App) callbackStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if loc := a.Config.CallbackFor(r.Host, r.URL.Path); loc != nil {
			a.handleCallback(w, r, loc)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// handleCallback completes the authentication round trip: code and state
// arrive from the IDP, the code is exchanged server-to-server, and only a
// fully successful exchange establishes a session.
func (a *App) handleCallback(w http.ResponseWriter, r *http.Request, loc *LocationConfig) {
	q := r.URL.Query()
	code := q.Get("code")
	if code == "" {
		// The IDP reports denial by redirecting back without a code.
		a.Logger.Warn("callback without authorization code", "location", loc.Path)
		a.Metrics.IncExchangeFailure("no_code")
		a.denied(w, r, loc, http.StatusForbidden)
		return
	}
	target := decodeState(q.Get("state"), loc)

	start := time.Now()
	attrs, err := a.Idp.Exchange(r.Context(), loc, code)
	a.Metrics.ObserveExchangeLatency(time.Since(start))
	if err != nil {
		a.Logger.Error("token exchange failed", "location", loc.Path, "error", err)
		switch {
		case errors.Is(err, ErrExchangeDenied):
			// A replayed or revoked code lands here: fail closed, no session.
			a.Metrics.IncExchangeFailure("denied")
			a.denied(w, r, loc, http.StatusForbidden)
		case errors.Is(err, ErrProtocol):
			a.Metrics.IncExchangeFailure("protocol")
			a.denied(w, r, loc, http.StatusBadGateway)
		default:
			// Transport failure: surface as server error, never retried
			// inline. The next request attempt retries naturally.
			a.Metrics.IncExchangeFailure("transport")
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		}
		return
	}

	record := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		record[k] = v
	}
	record[attrUser] = attrs[subjectField]
	record[attrAddress] = stripPort(r.RemoteAddr)

	id, err := a.Sessions.Create(record)
	if err != nil {
		a.Logger.Error("session create failed", "location", loc.Path, "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	a.Metrics.IncSessionCreated()
	a.Logger.Info("session established", "location", loc.Path, "user", record[attrUser])

	a.setSessionCookie(w, loc, id)
	http.Redirect(w, r, target, http.StatusFound)
}

// logoutStage deletes the session when the request matches a configured
// logout trigger. It never blocks the request: the pipeline continues
// regardless of whether a session existed.
func (a *App) logoutStage(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loc := a.Config.LocationFor(r.URL.Path)
		if loc != nil && loc.LogoutURL != "" && r.URL.Path == loc.LogoutURL {
			if cookie, err := r.Cookie(loc.CookieName()); err == nil && cookie.Value != "" {
				if err := a.Sessions.Destroy(cookie.Value); err != nil {
					a.Logger.Error("logout destroy failed", "error", err)
				} else {
					a.Logger.Info("session logged out", "location", loc.Path)
				}
			}
			a.clearSessionCookie(w, loc)
		}
		next.ServeHTTP(w, r)
	})
}

// gate is the terminal stage: authentication check, then the reverse proxy.
func (a *App) gate() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		loc := a.Config.LocationFor(r.URL.Path)
		if loc == nil {
			http.NotFound(w, r)
			return
		}

		result := a.checkUserID(r, loc)
		switch result.Decision {
		case DecisionPass:
			a.Metrics.IncOutcome("pass")
			a.Proxy.Forward(w, r, loc, result.Attrs)
		case DecisionRedirect:
			a.Metrics.IncOutcome("challenge")
			if result.ClearCookie {
				a.clearSessionCookie(w, loc)
			}
			if loc.SplashDisable {
				http.Redirect(w, r, result.AuthorizeURL, http.StatusFound)
				return
			}
			writeSplash(w, result.AuthorizeURL)
		case DecisionDenied:
			a.Metrics.IncOutcome("denied")
			a.denied(w, r, loc, http.StatusForbidden)
		case DecisionError:
			a.Metrics.IncOutcome("error")
			http.Error(w, http.StatusText(result.Status), result.Status)
		}
	})
}

// denied routes an access-denied outcome to the location's error URL when
// one is configured, otherwise to the mapped status.
func (a *App) denied(w http.ResponseWriter, r *http.Request, loc *LocationConfig, status int) {
	if loc.AccessErrorURL != "" {
		http.Redirect(w, r, loc.AccessErrorURL, http.StatusFound)
		return
	}
	http.Error(w, http.StatusText(status), status)
}

func (a *App) setSessionCookie(w http.ResponseWriter, loc *LocationConfig, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     loc.CookieName(),
		Value:    id,
		Path:     loc.Path,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *App) clearSessionCookie(w http.ResponseWriter, loc *LocationConfig) {
	http.SetCookie(w, &http.Cookie{
		Name:     loc.CookieName(),
		Value:    "",
		Path:     loc.Path,
		HttpOnly: true,
		Secure:   a.secureCookies,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}

// writeSplash serves the interstitial page that forwards the browser to the
// IDP. Locations that set splash_disable get a bare redirect instead.
func writeSplash(w http.ResponseWriter, authorizeURL string) {
	escaped := html.EscapeString(authorizeURL)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	fmt.Fprintf(w, `<!DOCTYPE html>
<html>
<head>
<meta http-equiv="refresh" content="0; url=%s">
<title>Redirecting to sign in</title>
</head>
<body>
<p>Redirecting to sign in. <a href="%s">Continue</a> if you are not forwarded automatically.</p>
</body>
</html>
`, escaped, escaped)
}
