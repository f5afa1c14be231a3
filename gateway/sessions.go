package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Reserved session attribute keys. Everything else in a session record is a
// configured profile field.
const (
	attrUser     = "user"
	attrAddress  = "addr"
	attrCreated  = "created"
	attrAccessed = "accessed"
)

// SessionPolicy carries the per-location validity rules applied on read.
type SessionPolicy struct {
	IdleTimeout   time.Duration
	ActiveTimeout time.Duration
	CheckIPOctets int
}

// SessionStore persists session attribute tables as one file per session id
// under a single directory. Ids are high-entropy and double as file names,
// so a file name never leaks anything usable to guess another session.
type SessionStore struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time
}

// NewSessionStore prepares the backing directory with owner-only access.
func NewSessionStore(dir string, logger *slog.Logger) (*SessionStore, error) {
	if err := os.MkdirAll(dir, DefaultSessionDirMode); err != nil {
		return nil, fmt.Errorf("create session store: %w", err)
	}
	return &SessionStore{dir: dir, logger: logger, now: time.Now}, nil
}

// Create persists a new session and returns its id. The id comes from
// crypto/rand; it is never derived from time or a sequence.
func (s *SessionStore) Create(attrs map[string]string) (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session id: %w", err)
	}
	id := hex.EncodeToString(buf)

	record := make(map[string]string, len(attrs)+2)
	for k, v := range attrs {
		record[k] = v
	}
	now := strconv.FormatInt(s.now().Unix(), 10)
	record[attrCreated] = now
	record[attrAccessed] = now

	if err := s.write(id, record); err != nil {
		return "", err
	}
	s.logger.Debug("session created", "session", id[:8])
	return id, nil
}

// Read loads and validates a session. An expired, address-mismatched, or
// unknown session reports absent (nil attributes, nil error) and any stale
// record is deleted so the next request re-authenticates cleanly. A valid
// read refreshes the last-access time.
func (s *SessionStore) Read(id string, policy SessionPolicy, remoteAddr string) (map[string]string, error) {
	path, err := s.path(id)
	if err != nil {
		return nil, nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session: %w", err)
	}

	var record map[string]string
	if err := json.Unmarshal(b, &record); err != nil {
		// A corrupt record is unusable; remove it and force re-auth.
		_ = os.Remove(path)
		return nil, nil
	}

	if !s.valid(record, policy, remoteAddr) {
		if err := s.Destroy(id); err != nil {
			return nil, err
		}
		return nil, nil
	}

	if err := s.Touch(id, record); err != nil {
		return nil, err
	}
	return record, nil
}

func (s *SessionStore) valid(record map[string]string, policy SessionPolicy, remoteAddr string) bool {
	now := s.now().Unix()

	created, err := strconv.ParseInt(record[attrCreated], 10, 64)
	if err != nil {
		return false
	}
	accessed, err := strconv.ParseInt(record[attrAccessed], 10, 64)
	if err != nil {
		return false
	}

	if policy.IdleTimeout > 0 && now-accessed > int64(policy.IdleTimeout.Seconds()) {
		return false
	}
	if policy.ActiveTimeout > 0 && now-created > int64(policy.ActiveTimeout.Seconds()) {
		return false
	}
	if policy.CheckIPOctets > 0 {
		if !addressMatch(record[attrAddress], remoteAddr, policy.CheckIPOctets) {
			return false
		}
	}
	return true
}

// Touch updates the last-access timestamp, sliding the idle window.
// Last-writer-wins is acceptable; a torn record is not, so the update goes
// through the same atomic write as everything else.
func (s *SessionStore) Touch(id string, record map[string]string) error {
	record[attrAccessed] = strconv.FormatInt(s.now().Unix(), 10)
	return s.write(id, record)
}

// Destroy removes the record. Destroying an absent session is not an error.
func (s *SessionStore) Destroy(id string) error {
	path, err := s.path(id)
	if err != nil {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("destroy session: %w", err)
	}
	return nil
}

// write persists a record atomically: temp file in the same directory, then
// rename. A concurrent reader sees the old record or the new one, never a
// partial write.
func (s *SessionStore) write(id string, record map[string]string) error {
	path, err := s.path(id)
	if err != nil {
		return err
	}

	b, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// path validates the id before joining it to the store directory. Only ids
// this store could have generated resolve to a file.
func (s *SessionStore) path(id string) (string, error) {
	if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
		return "", fmt.Errorf("malformed session id")
	}
	return filepath.Join(s.dir, id), nil
}

// addressMatch compares the first n components of two client addresses.
// Addresses from different families, or any component-count mismatch, fail
// the binding rather than guessing at equivalence.
func addressMatch(recorded, current string, n int) bool {
	recordedHost := stripPort(recorded)
	currentHost := stripPort(current)
	if recordedHost == "" || currentHost == "" {
		return false
	}

	rsep, csep := ".", "."
	if strings.Contains(recordedHost, ":") {
		rsep = ":"
	}
	if strings.Contains(currentHost, ":") {
		csep = ":"
	}
	if rsep != csep {
		return false
	}

	rparts := strings.Split(recordedHost, rsep)
	cparts := strings.Split(currentHost, csep)
	if len(rparts) != len(cparts) {
		return false
	}
	if n > len(rparts) {
		n = len(rparts)
	}
	for i := 0; i < n; i++ {
		if rparts[i] != cparts[i] {
			return false
		}
	}
	return true
}

func stripPort(addr string) string {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
