package gateway

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Transport error classes for the IDP connection. Callers distinguish a
// failure to reach the host from a failed or untrusted handshake.
var (
	ErrDial        = errors.New("idp connect failed")
	ErrHandshake   = errors.New("idp tls handshake failed")
	ErrCertificate = errors.New("idp certificate validation failed")
)

// secureChannel owns one TLS connection to the IDP. It exists for the
// duration of a single exchange or profile fetch and is never reused.
type secureChannel struct {
	conn    *tls.Conn
	timeout time.Duration
}

// dialIDP connects and completes the TLS handshake. The server certificate
// is always validated against the system trust store, or against the roots
// supplied by the caller. There is no way to disable verification.
func dialIDP(ctx context.Context, host string, port int, timeout time.Duration, extraRoots *x509.CertPool) (*secureChannel, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialer := &net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDial, addr, err)
	}

	tlsCfg := &tls.Config{
		ServerName: host,
		MinVersion: tls.VersionTLS12,
		RootCAs:    extraRoots,
	}
	conn := tls.Client(raw, tlsCfg)

	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := conn.HandshakeContext(hsCtx); err != nil {
		raw.Close()
		if isCertificateError(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrCertificate, host, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrHandshake, addr, err)
	}

	return &secureChannel{conn: conn, timeout: timeout}, nil
}

func isCertificateError(err error) bool {
	var unknownAuthority x509.UnknownAuthorityError
	var hostname x509.HostnameError
	var invalid x509.CertificateInvalidError
	var verification *tls.CertificateVerificationError
	return errors.As(err, &unknownAuthority) ||
		errors.As(err, &hostname) ||
		errors.As(err, &invalid) ||
		errors.As(err, &verification)
}

// Write sends raw bytes over the encrypted channel. Short writes surface as
// errors, never as silent truncation.
func (c *secureChannel) Write(p []byte) (int, error) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.conn.Write(p)
}

// Read fills p with decrypted bytes.
func (c *secureChannel) Read(p []byte) (int, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
		return 0, err
	}
	return c.conn.Read(p)
}

// Close tears down TLS and the socket. Safe to call after a partial failure.
func (c *secureChannel) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
