package gateway

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"
)

// ProxyManager forwards authenticated requests to the backend owning each
// protected location.
type ProxyManager struct {
	routes map[string]*httputil.ReverseProxy
	logger *slog.Logger
}

// NewProxyManager builds one reverse proxy per configured location.
func NewProxyManager(locations []LocationConfig, logger *slog.Logger) (*ProxyManager, error) {
	pm := &ProxyManager{
		routes: make(map[string]*httputil.ReverseProxy),
		logger: logger,
	}

	for i := range locations {
		loc := &locations[i]
		target, err := url.Parse(loc.Backend)
		if err != nil {
			return nil, fmt.Errorf("invalid backend for %s: %w", loc.Path, err)
		}

		transport := &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		}

		proxy := httputil.NewSingleHostReverseProxy(target)
		proxy.Transport = transport

		originalDirector := proxy.Director
		proxy.Director = func(req *http.Request) {
			originalDirector(req)
			clientHost := req.Host
			req.Host = target.Host

			if clientIP, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
				prior := req.Header.Get("X-Forwarded-For")
				if prior != "" {
					clientIP = prior + ", " + clientIP
				}
				req.Header.Set("X-Forwarded-For", clientIP)
			}
			req.Header.Set("X-Forwarded-Proto", schemeFromRequest(req))
			req.Header.Set("X-Forwarded-Host", clientHost)
		}

		path := loc.Path
		backend := loc.Backend
		proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
			pm.logger.Error("proxy error",
				"location", path,
				"backend", backend,
				"path", r.URL.Path,
				"error", err,
			)
			http.Error(w, "Bad Gateway", http.StatusBadGateway)
		}

		pm.routes[loc.Path] = proxy
		logger.Info("proxy route added", "location", loc.Path, "backend", loc.Backend)
	}

	return pm, nil
}

// Forward sends an authenticated request to the location's backend with the
// identity attributes attached. Inbound copies of the attribute headers are
// stripped first so a client can never spoof them past the gate.
func (pm *ProxyManager) Forward(w http.ResponseWriter, r *http.Request, loc *LocationConfig, attrs map[string]string) {
	proxy, ok := pm.routes[loc.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}

	r.Header.Del(headerRemoteUser)
	for _, header := range loc.ProfileAttrs {
		r.Header.Del(header)
	}
	for header, value := range attrs {
		r.Header.Set(header, value)
	}

	proxy.ServeHTTP(w, r)
}

func schemeFromRequest(r *http.Request) string {
	if r.TLS != nil {
		return "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	return "http"
}
