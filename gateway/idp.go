package gateway

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
)

// ErrExchangeDenied reports that the IDP explicitly refused the exchange
// (error member in the response), as opposed to a transport or protocol
// failure. A replayed authorization code lands here and fails closed.
var ErrExchangeDenied = errors.New("idp denied token exchange")

// The profile member the IDP must supply for a session to exist.
const subjectField = "uid"

// IdpClient performs the server-to-server calls against the single
// configured identity provider: the token exchange and, when the token
// response points at one, the profile fetch.
type IdpClient struct {
	cfg    IDPConfig
	logger *slog.Logger
	roots  *x509.CertPool
}

// NewIdpClient constructs the client from server configuration.
func NewIdpClient(cfg IDPConfig, logger *slog.Logger) *IdpClient {
	return &IdpClient{cfg: cfg, logger: logger}
}

// AuthorizeURL builds the redirect target that sends the browser to the
// IDP. The state parameter carries the URL-encoded original request URL so
// the callback can send the user back where they started.
func (c *IdpClient) AuthorizeURL(loc *LocationConfig, originalURL string) string {
	values := url.Values{}
	values.Set("response_type", "code")
	values.Set("client_id", loc.ClientID)
	values.Set("redirect_uri", loc.CallbackURL)
	values.Set("state", originalURL)

	host := c.cfg.Host
	if c.cfg.Port != 443 {
		host = fmt.Sprintf("%s:%d", host, c.cfg.Port)
	}
	return "https://" + host + c.cfg.AuthPath + "?" + values.Encode()
}

// Exchange swaps an authorization code for the user's profile attributes.
// Error classes: ErrExchangeDenied for an IDP-reported failure, ErrProtocol
// for malformed responses, and the channel errors for transport faults.
// No partial result is ever returned.
func (c *IdpClient) Exchange(ctx context.Context, loc *LocationConfig, code string) (map[string]string, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", loc.CallbackURL)

	headers := map[string]string{
		"Authorization": basicAuth(loc.ClientID, loc.ClientSecret),
	}

	resp, err := c.post(ctx, c.cfg.TokenPath, headers, form.Encode())
	if err != nil {
		return nil, err
	}

	doc := ParseJSON(resp.Body)
	if resp.Status != http.StatusOK {
		// Denials come back as 4xx with an error member. Anything else
		// malformed is a protocol failure.
		if doc.HasMember("error") {
			reason, _ := doc.MemberString("error")
			return nil, fmt.Errorf("%w: %s", ErrExchangeDenied, reason)
		}
		return nil, fmt.Errorf("%w: token endpoint returned status %d", ErrProtocol, resp.Status)
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: unparseable token response", ErrProtocol)
	}
	if doc.HasMember("error") {
		reason, _ := doc.MemberString("error")
		return nil, fmt.Errorf("%w: %s", ErrExchangeDenied, reason)
	}

	profile := doc
	if endpoint, ok := doc.MemberString("endpoint"); ok {
		token, ok := doc.MemberString("access_token")
		if !ok {
			return nil, fmt.Errorf("%w: token response has endpoint but no access_token", ErrProtocol)
		}
		profile, err = c.fetchProfile(ctx, endpoint, token)
		if err != nil {
			return nil, err
		}
	}

	subject, ok := profile.MemberString(subjectField)
	if !ok || subject == "" {
		return nil, fmt.Errorf("%w: identity field %q missing from profile", ErrProtocol, subjectField)
	}

	attrs := map[string]string{subjectField: subject}
	for field := range loc.ProfileAttrs {
		if v, ok := profile.MemberString(field); ok {
			attrs[field] = v
		}
	}
	return attrs, nil
}

// fetchProfile retrieves the full user profile named by the token response.
func (c *IdpClient) fetchProfile(ctx context.Context, endpoint, accessToken string) (*Document, error) {
	headers := map[string]string{
		"Authorization": "Bearer " + accessToken,
	}
	resp, err := c.get(ctx, endpoint, headers)
	if err != nil {
		return nil, err
	}
	if resp.Status != http.StatusOK {
		return nil, fmt.Errorf("%w: profile endpoint returned status %d", ErrProtocol, resp.Status)
	}
	doc := ParseJSON(resp.Body)
	if doc == nil {
		return nil, fmt.Errorf("%w: unparseable profile response", ErrProtocol)
	}
	return doc, nil
}

func basicAuth(clientID, secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(clientID+":"+secret))
}
