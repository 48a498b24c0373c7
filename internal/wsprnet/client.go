// Package wsprnet talks to the wsprnet.org aggregator: cookie-based login,
// session persistence and the spot feed endpoint.
package wsprnet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/wsprdaemon/wsprserver/internal/wspr"
)

const (
	loginPath = "/drupal/rest/user/login"
	spotsPath = "/drupal/wsprnet/spots/json"

	maxLoginFailures = 3
	maxDefectSamples = 10
	maxResponseBytes = 64 << 20

	defaultUserAgent = "wsprserver/1.0"
	defaultTimeout   = 30 * time.Second
)

// ErrBadCredentials is returned after repeated consecutive login failures.
// It is not retryable; the operator has to fix the configured account.
var ErrBadCredentials = errors.New("upstream rejected login repeatedly, check credentials")

var errSessionExpired = errors.New("session expired")

// State is the client's authentication state.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticated
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateAuthenticated:
		return "authenticated"
	case StateExpired:
		return "expired"
	default:
		return "unauthenticated"
	}
}

// Options configure a Client.
type Options struct {
	BaseURL   string
	Username  string
	Password  string
	Timeout   time.Duration
	UserAgent string
}

// Client is an authenticated wsprnet API client. It is not safe for
// concurrent use; the scraper loop is its only caller.
type Client struct {
	base     *url.URL
	username string
	password string
	agent    string
	http     *http.Client
	jar      *cookiejar.Jar
	logger   zerolog.Logger

	state         State
	loginFailures int
	lastLogin     time.Time
}

// NewClient creates a Client with its own cookie jar.
func NewClient(opts Options, logger zerolog.Logger) (*Client, error) {
	base, err := url.Parse(opts.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url %q: %w", opts.BaseURL, err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", opts.BaseURL)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	agent := opts.UserAgent
	if agent == "" {
		agent = defaultUserAgent
	}
	return &Client{
		base:     base,
		username: opts.Username,
		password: opts.Password,
		agent:    agent,
		http:     &http.Client{Jar: jar, Timeout: timeout},
		jar:      jar,
		logger:   logger.With().Str("component", "wsprnet").Logger(),
	}, nil
}

// State returns the current authentication state.
func (c *Client) State() State { return c.state }

// RestoreSession injects persisted cookies into the jar and marks the
// client authenticated, skipping the initial login.
func (c *Client) RestoreSession(s *Session) {
	if s == nil || len(s.Cookies) == 0 {
		return
	}
	cookies := make([]*http.Cookie, 0, len(s.Cookies))
	for _, ck := range s.Cookies {
		cookies = append(cookies, &http.Cookie{Name: ck.Name, Value: ck.Value})
	}
	c.jar.SetCookies(c.base, cookies)
	if s.UserAgent != "" {
		c.agent = s.UserAgent
	}
	c.lastLogin = s.LastLogin
	c.state = StateAuthenticated
	c.logger.Info().Time("last_login", s.LastLogin).Msg("restored persisted session")
}

// SessionSnapshot captures the current cookies and high-water mark for
// persistence.
func (c *Client) SessionSnapshot(highestSeenSpotID uint64) *Session {
	live := c.jar.Cookies(c.base)
	cookies := make([]Cookie, 0, len(live))
	for _, ck := range live {
		cookies = append(cookies, Cookie{Name: ck.Name, Value: ck.Value})
	}
	return &Session{
		Cookies:           cookies,
		UserAgent:         c.agent,
		LastLogin:         c.lastLogin,
		HighestSeenSpotID: highestSeenSpotID,
	}
}

// Login authenticates against the upstream and stores the session cookie
// in the jar. After maxLoginFailures consecutive failures the returned
// error wraps ErrBadCredentials.
func (c *Client) Login(ctx context.Context) error {
	form := url.Values{
		"name": {c.username},
		"pass": {c.password},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base.JoinPath(loginPath).String(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.agent)

	resp, err := c.http.Do(req)
	if err != nil {
		return c.loginFailed(fmt.Errorf("login request: %w", err))
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.loginFailed(fmt.Errorf("login returned %s", resp.Status))
	}

	c.state = StateAuthenticated
	c.loginFailures = 0
	c.lastLogin = time.Now().UTC()
	c.logger.Info().Msg("logged in to upstream")
	return nil
}

func (c *Client) loginFailed(err error) error {
	c.state = StateUnauthenticated
	c.loginFailures++
	c.logger.Warn().Err(err).Int("consecutive_failures", c.loginFailures).Msg("login failed")
	if c.loginFailures >= maxLoginFailures {
		return fmt.Errorf("%w: %v", ErrBadCredentials, err)
	}
	return err
}

// Logout drops the local session. No upstream call is made.
func (c *Client) Logout() {
	jar, err := cookiejar.New(nil)
	if err == nil {
		c.jar = jar
		c.http.Jar = jar
	}
	c.state = StateUnauthenticated
}

// FetchRecentSpots returns spots with id above sinceID. The upstream
// filter is best-effort and may return overlap; the caller deduplicates
// by id. An expired session triggers one transparent re-login.
func (c *Client) FetchRecentSpots(ctx context.Context, sinceID uint64) ([]wspr.Spot, error) {
	if c.state != StateAuthenticated {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}
	body, err := c.postSpots(ctx, sinceID)
	if errors.Is(err, errSessionExpired) {
		c.state = StateExpired
		c.logger.Warn().Msg("session expired, logging in again")
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
		body, err = c.postSpots(ctx, sinceID)
	}
	if err != nil {
		return nil, err
	}
	return c.decodeSpots(body)
}

func (c *Client) postSpots(ctx context.Context, sinceID uint64) ([]byte, error) {
	form := url.Values{
		"spotnum_start":   {strconv.FormatUint(sinceID, 10)},
		"band":            {"All"},
		"callsign":        {""},
		"reporter":        {""},
		"exclude_special": {"1"},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.base.JoinPath(spotsPath).String(), strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.agent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("spots request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil, errSessionExpired
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("spots endpoint returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading spots response: %w", err)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] == '<' {
		// An HTML login page came back instead of the JSON feed.
		return nil, errSessionExpired
	}
	return trimmed, nil
}

func (c *Client) decodeSpots(body []byte) ([]wspr.Spot, error) {
	var raws []rawSpot
	if err := json.Unmarshal(body, &raws); err != nil {
		return nil, fmt.Errorf("parsing spots response: %w", err)
	}
	spots := make([]wspr.Spot, 0, len(raws))
	defects := 0
	for _, raw := range raws {
		spot, err := raw.convert()
		if err != nil {
			defects++
			if defects <= maxDefectSamples {
				c.logger.Warn().Err(err).Str("spotnum", raw.Spotnum).Msg("skipping malformed spot")
			}
			continue
		}
		spots = append(spots, spot)
	}
	if defects > 0 {
		c.logger.Warn().Int("count", defects).Msg("malformed spots skipped")
	}
	return spots, nil
}

// rawSpot mirrors the upstream JSON, which stringifies every value.
type rawSpot struct {
	Spotnum      string `json:"Spotnum"`
	Date         string `json:"Date"`
	Reporter     string `json:"Reporter"`
	ReporterGrid string `json:"ReporterGrid"`
	SNR          string `json:"dB"`
	MHz          string `json:"MHz"`
	CallSign     string `json:"CallSign"`
	Grid         string `json:"Grid"`
	Power        string `json:"Power"`
	Drift        string `json:"Drift"`
	Distance     string `json:"distance"`
	Azimuth      string `json:"azimuth"`
	Band         string `json:"Band"`
	Version      string `json:"version"`
	Code         string `json:"code"`
}

func (r rawSpot) convert() (wspr.Spot, error) {
	id, err := strconv.ParseUint(r.Spotnum, 10, 64)
	if err != nil {
		return wspr.Spot{}, fmt.Errorf("spotnum %q: %w", r.Spotnum, err)
	}
	epoch, err := strconv.ParseInt(r.Date, 10, 64)
	if err != nil {
		return wspr.Spot{}, fmt.Errorf("date %q: %w", r.Date, err)
	}
	mhz, err := strconv.ParseFloat(r.MHz, 64)
	if err != nil {
		return wspr.Spot{}, fmt.Errorf("frequency %q: %w", r.MHz, err)
	}
	freq := uint64(math.Round(mhz * 1e6))

	band := wspr.BandForFrequency(freq)
	if r.Band != "" {
		if b, err := strconv.ParseInt(r.Band, 10, 16); err == nil {
			band = int16(b)
		}
	}

	snr, err := parseInt8(r.SNR, "snr")
	if err != nil {
		return wspr.Spot{}, err
	}
	power, err := parseInt8(r.Power, "power")
	if err != nil {
		return wspr.Spot{}, err
	}
	drift, err := parseInt8(r.Drift, "drift")
	if err != nil {
		return wspr.Spot{}, err
	}
	var code int8
	if r.Code != "" {
		code, err = parseInt8(r.Code, "code")
		if err != nil {
			return wspr.Spot{}, err
		}
	}
	distance, err := parseUint16(r.Distance, "distance")
	if err != nil {
		return wspr.Spot{}, err
	}
	azimuth, err := parseUint16(r.Azimuth, "azimuth")
	if err != nil {
		return wspr.Spot{}, err
	}

	// Defective grids keep the sentinel coordinates rather than rejecting
	// the whole spot.
	rxLat, rxLon, rxErr := wspr.GridToLatLon(r.ReporterGrid)
	txLat, txLon, txErr := wspr.GridToLatLon(r.Grid)
	var rxAzimuth uint16
	if rxErr == nil && txErr == nil {
		rxAzimuth = uint16(math.Round(wspr.Bearing(rxLat, rxLon, txLat, txLon))) % 360
	}

	return wspr.Spot{
		ID:        id,
		Time:      time.Unix(epoch, 0).UTC(),
		Band:      band,
		RxSign:    r.Reporter,
		RxLat:     float32(rxLat),
		RxLon:     float32(rxLon),
		RxLoc:     r.ReporterGrid,
		TxSign:    r.CallSign,
		TxLat:     float32(txLat),
		TxLon:     float32(txLon),
		TxLoc:     r.Grid,
		Distance:  distance,
		Azimuth:   azimuth,
		RxAzimuth: rxAzimuth,
		Frequency: freq,
		Power:     power,
		SNR:       snr,
		Drift:     drift,
		Version:   r.Version,
		Code:      code,
	}, nil
}

func parseInt8(s, field string) (int8, error) {
	n, err := strconv.ParseInt(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", field, s, err)
	}
	return int8(n), nil
}

func parseUint16(s, field string) (uint16, error) {
	n, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("%s %q: %w", field, s, err)
	}
	return uint16(n), nil
}
