package gateway

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// ErrProtocol marks a malformed or unsupported response from the IDP.
var ErrProtocol = errors.New("idp protocol error")

// Responses larger than this are treated as hostile.
const maxResponseBytes = 64 * 1024

// idpResponse holds one parsed HTTP response from the IDP.
type idpResponse struct {
	Status  int
	Headers map[string]string
	Body    string
}

// post sends an application/x-www-form-urlencoded POST over a fresh channel.
func (c *IdpClient) post(ctx context.Context, path string, headers map[string]string, body string) (*idpResponse, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "POST %s HTTP/1.0\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", c.cfg.Host)
	b.WriteString("Connection: close\r\n")
	b.WriteString("Content-Type: application/x-www-form-urlencoded\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	writeHeaders(&b, headers)
	b.WriteString("\r\n")
	b.WriteString(body)

	return c.roundTrip(ctx, b.String())
}

// get sends a GET over a fresh channel.
func (c *IdpClient) get(ctx context.Context, path string, headers map[string]string) (*idpResponse, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "GET %s HTTP/1.0\r\n", path)
	fmt.Fprintf(&b, "Host: %s\r\n", c.cfg.Host)
	b.WriteString("Connection: close\r\n")
	writeHeaders(&b, headers)
	b.WriteString("\r\n")

	return c.roundTrip(ctx, b.String())
}

func writeHeaders(b *strings.Builder, headers map[string]string) {
	names := make([]string, 0, len(headers))
	for name := range headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(b, "%s: %s\r\n", name, headers[name])
	}
}

// roundTrip connects, sends one framed request, reads the response, and
// tears the channel down on every path.
func (c *IdpClient) roundTrip(ctx context.Context, request string) (*idpResponse, error) {
	channel, err := dialIDP(ctx, c.cfg.Host, c.cfg.Port, c.cfg.Timeout(), c.roots)
	if err != nil {
		return nil, err
	}
	defer channel.Close()

	if _, err := io.WriteString(channel, request); err != nil {
		return nil, fmt.Errorf("%w: write request: %v", ErrProtocol, err)
	}

	resp, err := readResponse(bufio.NewReader(io.LimitReader(channel, maxResponseBytes)))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("idp response", "status", resp.Status, "bytes", len(resp.Body))
	return resp, nil
}

// readResponse parses an HTTP/1.x status line, headers, and body. The
// request is framed as HTTP/1.0 precisely so the server cannot answer with
// chunked encoding; a chunked response is an error, not something to decode.
func readResponse(r *bufio.Reader) (*idpResponse, error) {
	statusLine, err := readLine(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read status line: %v", ErrProtocol, err)
	}
	status, err := parseStatusLine(statusLine)
	if err != nil {
		return nil, err
	}

	headers := make(map[string]string)
	for {
		line, err := readLine(r)
		if err != nil {
			return nil, fmt.Errorf("%w: read headers: %v", ErrProtocol, err)
		}
		if line == "" {
			break
		}
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("%w: malformed header line %q", ErrProtocol, line)
		}
		headers[strings.ToLower(strings.TrimSpace(name))] = strings.TrimSpace(value)
	}

	if strings.EqualFold(headers["transfer-encoding"], "chunked") {
		return nil, fmt.Errorf("%w: chunked response not supported", ErrProtocol)
	}

	var body []byte
	if cl := headers["content-length"]; cl != "" {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: invalid content-length %q", ErrProtocol, cl)
		}
		if n > maxResponseBytes {
			return nil, fmt.Errorf("%w: response too large (%d bytes)", ErrProtocol, n)
		}
		body = make([]byte, n)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("%w: short body: %v", ErrProtocol, err)
		}
	} else {
		// No declared length: the connection close delimits the body.
		body, err = io.ReadAll(r)
		if err != nil {
			return nil, fmt.Errorf("%w: read body: %v", ErrProtocol, err)
		}
	}

	return &idpResponse{Status: status, Headers: headers, Body: string(body)}, nil
}

func parseStatusLine(line string) (int, error) {
	if !strings.HasPrefix(line, "HTTP/1.") {
		return 0, fmt.Errorf("%w: unexpected status line %q", ErrProtocol, line)
	}
	fields := strings.SplitN(line, " ", 3)
	if len(fields) < 2 {
		return 0, fmt.Errorf("%w: unexpected status line %q", ErrProtocol, line)
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil || status < 100 || status > 599 {
		return 0, fmt.Errorf("%w: bad status %q", ErrProtocol, fields[1])
	}
	return status, nil
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
