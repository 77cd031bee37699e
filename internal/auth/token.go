package auth

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/loxclient/internal/logging"
	"github.com/muurk/loxclient/internal/lxerr"
	"github.com/muurk/loxclient/internal/metrics"
	"github.com/muurk/loxclient/internal/protocol"
	"github.com/muurk/loxclient/internal/secure"
)

// Epoch is the zero point of Miniserver timestamps
var Epoch = time.Date(2009, 1, 1, 0, 0, 0, 0, time.UTC)

// Token defaults
const (
	DefaultPermission = 2 // web access; 4 requests an app token
	DefaultClientUUID = "11fecda8-c89a-48fb-8209-45ed851e81c7"

	DefaultRefreshBuffer = 2 * time.Hour
	DefaultRetryDelay    = 5 * time.Minute
	DefaultMaxRetries    = 5
	MaxRefreshDelay      = 7 * 24 * time.Hour

	refreshAttemptTimeout = time.Minute
)

// Sender sends a command over the socket and waits for its text response
type Sender interface {
	Send(ctx context.Context, cmd string, encrypt bool) (*protocol.TextMessage, error)
}

// Token is an access token issued by the Miniserver
type Token struct {
	Value            string
	ValidUntil       time.Time
	Rights           int
	UnsecurePassword bool
}

// Expired reports whether the token is past its validity at now
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ValidUntil)
}

// ExpiryFromValidUntil converts a validUntil value (seconds since Epoch)
// to an absolute instant.
func ExpiryFromValidUntil(seconds int64) time.Time {
	return Epoch.Add(time.Duration(seconds) * time.Second)
}

// RefreshDelay is how long to wait before refreshing a token expiring at
// expiry: buffer ahead of expiry, never negative, at most maxDelay.
func RefreshDelay(expiry, now time.Time, buffer, maxDelay time.Duration) time.Duration {
	d := expiry.Sub(now) - buffer
	if d < 0 {
		d = 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return d
}

// TokenOptions configures a TokenManager
type TokenOptions struct {
	Username string
	Password string

	// Permission requested from getjwt (default: DefaultPermission)
	Permission int
	// ClientUUID identifies this client to the Miniserver (default: DefaultClientUUID)
	ClientUUID string
	// Info is shown in the Miniserver's token list (default: "loxclient-<user>")
	Info string

	RefreshBuffer time.Duration
	RetryDelay    time.Duration
	MaxRetries    int

	// Now is the clock (default: time.Now)
	Now func() time.Time

	Metrics *metrics.Metrics

	// OnToken is called after a token was adopted or cleared (nil)
	OnToken func(*Token)
}

func (o *TokenOptions) setDefaults() {
	if o.Permission == 0 {
		o.Permission = DefaultPermission
	}
	if o.ClientUUID == "" {
		o.ClientUUID = DefaultClientUUID
	}
	if o.Info == "" {
		o.Info = "loxclient-" + o.Username
	}
	if o.RefreshBuffer <= 0 {
		o.RefreshBuffer = DefaultRefreshBuffer
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = DefaultRetryDelay
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// TokenManager acquires, refreshes, checks and revokes the access token
// and keeps it renewed on a timer.
type TokenManager struct {
	conn Sender
	opts TokenOptions

	mu          sync.Mutex
	token       *Token
	timer       *time.Timer
	generation  int
	retries     int
	nextRefresh time.Time
}

// NewTokenManager creates a manager sending through conn
func NewTokenManager(conn Sender, opts TokenOptions) *TokenManager {
	opts.setDefaults()
	return &TokenManager{conn: conn, opts: opts}
}

// Token returns a copy of the current token, nil without one
func (m *TokenManager) Token() *Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == nil {
		return nil
	}
	t := *m.token
	return &t
}

// NextRefresh returns when the next refresh attempt fires, zero if none
func (m *TokenManager) NextRefresh() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.nextRefresh
}

// Retries returns the number of failed refresh attempts since the last success
func (m *TokenManager) Retries() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retries
}

type userKey struct {
	key  []byte
	salt string
	alg  secure.HashAlg
}

// getKey fetches the per-user key, salt and hash algorithm
func (m *TokenManager) getKey(ctx context.Context) (*userKey, error) {
	resp, err := m.conn.Send(ctx, "jdev/sys/getkey2/"+m.opts.Username, true)
	if err != nil {
		return nil, fmt.Errorf("getkey2: %w", err)
	}
	if resp.Code != 200 {
		return nil, lxerr.AuthFailed("getkey2 rejected", resp.Code)
	}

	var value struct {
		Key     string `mapstructure:"key"`
		Salt    string `mapstructure:"salt"`
		HashAlg string `mapstructure:"hashAlg"`
	}
	if err := resp.DecodeValue(&value); err != nil {
		return nil, lxerr.AuthFailed("decoding getkey2 response: "+err.Error(), resp.Code)
	}
	if value.Key == "" {
		return nil, lxerr.AuthFailed("user key is missing", resp.Code)
	}
	key, err := hex.DecodeString(value.Key)
	if err != nil {
		return nil, lxerr.AuthFailed("user key is not hex", resp.Code)
	}
	return &userKey{key: key, salt: value.Salt, alg: secure.ParseHashAlg(value.HashAlg)}, nil
}

type tokenResponse struct {
	Token        string `mapstructure:"token"`
	ValidUntil   int64  `mapstructure:"validUntil"`
	TokenRights  int    `mapstructure:"tokenRights"`
	UnsecurePass bool   `mapstructure:"unsecurePass"`
}

func decodeTokenResponse(resp *protocol.TextMessage) (*tokenResponse, error) {
	var value tokenResponse
	if err := resp.DecodeValue(&value); err != nil {
		return nil, lxerr.AuthFailed("decoding token response: "+err.Error(), resp.Code)
	}
	if value.ValidUntil == 0 {
		return nil, lxerr.AuthFailed("token validUntil is missing", resp.Code)
	}
	return &value, nil
}

// Acquire requests a new token with the configured credentials
func (m *TokenManager) Acquire(ctx context.Context) error {
	uk, err := m.getKey(ctx)
	if err != nil {
		return err
	}

	pwHash := strings.ToUpper(secure.Hash(m.opts.Password+":"+uk.salt, uk.alg))
	hash := secure.HMAC(m.opts.Username+":"+pwHash, uk.key, uk.alg)

	cmd := fmt.Sprintf("jdev/sys/getjwt/%s/%s/%d/%s/%s",
		hash, m.opts.Username, m.opts.Permission, m.opts.ClientUUID, m.opts.Info)
	resp, err := m.conn.Send(ctx, cmd, true)
	if err != nil {
		return fmt.Errorf("getjwt: %w", err)
	}
	if resp.Code != 200 {
		return lxerr.AuthFailed("failed to acquire token", resp.Code)
	}
	value, err := decodeTokenResponse(resp)
	if err != nil {
		return err
	}
	if value.Token == "" {
		return lxerr.AuthFailed("token response carries no token", resp.Code)
	}

	logging.Info("Acquired token", zap.String("user", m.opts.Username))
	m.adopt(&Token{
		Value:            value.Token,
		ValidUntil:       ExpiryFromValidUntil(value.ValidUntil),
		Rights:           value.TokenRights,
		UnsecurePassword: value.UnsecurePass,
	})
	return nil
}

// Refresh extends the current token. An expired token cannot be refreshed,
// so a new one is acquired instead.
func (m *TokenManager) Refresh(ctx context.Context) error {
	current := m.Token()
	if current == nil {
		return lxerr.AuthFailed("no token to refresh", 0)
	}
	if current.Expired(m.opts.Now()) {
		logging.Warn("Token expired, acquiring a new one")
		return m.Acquire(ctx)
	}

	uk, err := m.getKey(ctx)
	if err != nil {
		return err
	}
	hash := secure.HMAC(current.Value, uk.key, uk.alg)
	resp, err := m.conn.Send(ctx, fmt.Sprintf("jdev/sys/refreshjwt/%s/%s", hash, m.opts.Username), true)
	if err != nil {
		return fmt.Errorf("refreshjwt: %w", err)
	}
	if resp.Code != 200 {
		return lxerr.AuthFailed("failed to refresh token", resp.Code)
	}
	value, err := decodeTokenResponse(resp)
	if err != nil {
		return err
	}

	refreshed := &Token{
		Value:            current.Value,
		ValidUntil:       ExpiryFromValidUntil(value.ValidUntil),
		Rights:           value.TokenRights,
		UnsecurePassword: value.UnsecurePass,
	}
	if value.Token != "" {
		refreshed.Value = value.Token
	}
	logging.Info("Refreshed token", zap.Time("valid_until", refreshed.ValidUntil))
	m.adopt(refreshed)
	return nil
}

// Check asks the Miniserver whether token (or the current token when
// empty) is valid. It never changes the stored token.
func (m *TokenManager) Check(ctx context.Context, token string) (bool, error) {
	if token == "" {
		current := m.Token()
		if current == nil {
			return false, lxerr.AuthFailed("no token to check", 0)
		}
		token = current.Value
	}

	uk, err := m.getKey(ctx)
	if err != nil {
		return false, err
	}
	hash := secure.HMAC(token, uk.key, uk.alg)
	resp, err := m.conn.Send(ctx, fmt.Sprintf("jdev/sys/checktoken/%s/%s", hash, m.opts.Username), true)
	if err != nil {
		return false, fmt.Errorf("checktoken: %w", err)
	}
	if resp.Code != 200 {
		logging.Info("Token is not valid", zap.Int("code", resp.Code))
		return false, nil
	}
	return true, nil
}

// AuthenticateWithToken authenticates the socket with a token from an
// earlier session and adopts it.
func (m *TokenManager) AuthenticateWithToken(ctx context.Context, token string) error {
	if token == "" {
		return lxerr.AuthFailed("no token given", 0)
	}

	uk, err := m.getKey(ctx)
	if err != nil {
		return err
	}
	hash := secure.HMAC(token, uk.key, uk.alg)
	resp, err := m.conn.Send(ctx, fmt.Sprintf("authwithtoken/%s/%s", hash, m.opts.Username), true)
	if err != nil {
		return fmt.Errorf("authwithtoken: %w", err)
	}
	if resp.Code != 200 {
		return lxerr.AuthFailed("failed to authenticate with existing token", resp.Code)
	}
	value, err := decodeTokenResponse(resp)
	if err != nil {
		return err
	}

	logging.Info("Authenticated with existing token")
	m.adopt(&Token{
		Value:            token,
		ValidUntil:       ExpiryFromValidUntil(value.ValidUntil),
		Rights:           value.TokenRights,
		UnsecurePassword: value.UnsecurePass,
	})
	return nil
}

// Kill revokes the current token. Revocation is best effort: the
// Miniserver usually closes the socket before answering, so errors are
// only logged. The token is cleared in any case.
func (m *TokenManager) Kill(ctx context.Context) {
	current := m.Token()
	if current != nil {
		if err := m.kill(ctx, current.Value); err != nil {
			logging.Debug("Ignoring killtoken failure", zap.Error(err))
		} else {
			logging.Info("Token killed")
		}
	}
	m.Reset()
}

func (m *TokenManager) kill(ctx context.Context, token string) error {
	uk, err := m.getKey(ctx)
	if err != nil {
		return err
	}
	hash := secure.HMAC(token, uk.key, uk.alg)
	_, err = m.conn.Send(ctx, fmt.Sprintf("jdev/sys/killtoken/%s/%s", hash, m.opts.Username), true)
	return err
}

// CancelRefresh stops the scheduled refresh but keeps the token, so it can
// be handed to a later connect.
func (m *TokenManager) CancelRefresh() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelLocked()
}

// Reset cancels the scheduled refresh and forgets the token
func (m *TokenManager) Reset() {
	m.mu.Lock()
	m.cancelLocked()
	hadToken := m.token != nil
	m.token = nil
	m.retries = 0
	m.mu.Unlock()

	if hadToken {
		m.opts.Metrics.TokenExpiry(time.Time{})
		if m.opts.OnToken != nil {
			m.opts.OnToken(nil)
		}
	}
}

// adopt stores tok and schedules its refresh
func (m *TokenManager) adopt(tok *Token) {
	m.mu.Lock()
	m.token = tok
	m.retries = 0
	m.scheduleLocked(RefreshDelay(tok.ValidUntil, m.opts.Now(), m.opts.RefreshBuffer, MaxRefreshDelay))
	m.mu.Unlock()

	logging.Info("Token valid until", zap.Time("valid_until", tok.ValidUntil))
	m.opts.Metrics.TokenExpiry(tok.ValidUntil)
	if m.opts.OnToken != nil {
		t := *tok
		m.opts.OnToken(&t)
	}
}

// cancelLocked stops the timer; the generation bump makes a callback that
// already fired a no-op.
func (m *TokenManager) cancelLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.generation++
	m.nextRefresh = time.Time{}
}

func (m *TokenManager) scheduleLocked(delay time.Duration) {
	m.cancelLocked()
	gen := m.generation
	m.nextRefresh = m.opts.Now().Add(delay)
	m.timer = time.AfterFunc(delay, func() { m.scheduledRefresh(gen) })

	logging.Info("Scheduling token refresh", zap.Time("at", m.nextRefresh))
}

func (m *TokenManager) scheduledRefresh(gen int) {
	m.mu.Lock()
	if gen != m.generation || m.token == nil {
		m.mu.Unlock()
		return
	}
	expired := m.token.Expired(m.opts.Now())
	m.timer = nil
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), refreshAttemptTimeout)
	defer cancel()

	var err error
	if expired {
		logging.Info("Token already expired, acquiring a new one")
		err = m.Acquire(ctx)
	} else {
		logging.Info("Attempting refresh of existing token")
		err = m.Refresh(ctx)
	}
	m.opts.Metrics.TokenRefresh(err == nil)
	if err == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.generation || m.token == nil {
		// reset or replaced while the attempt was running
		return
	}
	m.retries++
	logging.Error("Token refresh failed", zap.Int("attempt", m.retries), zap.Error(err))
	if m.retries > m.opts.MaxRetries {
		logging.Error("Max token refresh retries reached, giving up")
		m.nextRefresh = time.Time{}
		return
	}
	m.scheduleLocked(m.opts.RetryDelay * time.Duration(m.retries))
}
