package wsprnet

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"
)

// ErrSessionStale is returned by LoadSession when the persisted session is
// older than the configured TTL and a fresh login is required.
var ErrSessionStale = errors.New("persisted session too old")

// Session is the persisted authentication state. It is rewritten after
// every successful fetch so a restart can resume without logging in again
// and without re-fetching spots it already handed to the database.
type Session struct {
	Cookies           []Cookie  `json:"cookies"`
	UserAgent         string    `json:"user_agent"`
	LastLogin         time.Time `json:"last_login_time"`
	HighestSeenSpotID uint64    `json:"highest_seen_spot_id"`
	// SavedAt is unix seconds, matching what other wsprdaemon tooling
	// expects to find in this file.
	SavedAt int64 `json:"saved_at"`
}

// Cookie is the name/value pair of one session cookie.
type Cookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// LoadSession reads a persisted session. Sessions older than ttl return
// ErrSessionStale; the caller should log in from scratch but may still use
// the HighestSeenSpotID carried in the returned value.
func LoadSession(path string, ttl time.Duration) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing session file %s: %w", path, err)
	}
	if ttl > 0 && time.Since(time.Unix(s.SavedAt, 0)) > ttl {
		return &s, ErrSessionStale
	}
	return &s, nil
}

// Save writes the session atomically with owner-only permissions, since
// the cookies grant upstream access.
func (s *Session) Save(path string) error {
	s.SavedAt = time.Now().Unix()
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
