package gate

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/apiclient"
	"nuha.dev/gpsagent/internal/store"
)

const GenericLoginMessage = "Login failed. Please check your credentials or host IP."

const (
	EventLogin   = "login"
	EventRefresh = "token-refresh"
)

var ErrNoRefreshToken = errors.New("no refresh token stored")

// AuthError is returned by Authenticate and Refresh. Message is fit for the user.
type AuthError struct {
	Message string
	Err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.Err
}

// TokenIssuer is the part of the backend client the gate needs.
type TokenIssuer interface {
	ObtainToken(ctx context.Context, host, username, password string) (*apiclient.TokenPair, error)
	RefreshToken(ctx context.Context, host, refresh string) (string, error)
}

// Gate is the only writer of the session tokens.
type Gate struct {
	api   TokenIssuer
	store store.SessionStore
	log   log.Logger

	refreshMu sync.Mutex
}

func NewGate(api TokenIssuer, st store.SessionStore) *Gate {
	g := &Gate{api: api, store: st}
	g.log = log.DefaultLogger
	g.log.Context = log.NewContext(nil).Str("module", "gate").Value()
	return g
}

// NormalizeHost strips surrounding spaces, a leading http:// or https:// and
// trailing slashes. Applying it twice gives the same result as applying it once.
func NormalizeHost(h string) string {
	for {
		n := strings.TrimSpace(h)
		lower := strings.ToLower(n)
		if strings.HasPrefix(lower, "http://") {
			n = n[len("http://"):]
		} else if strings.HasPrefix(lower, "https://") {
			n = n[len("https://"):]
		}
		n = strings.TrimRight(n, "/")
		if n == h {
			return n
		}
		h = n
	}
}

// Authenticate makes one token request against host and persists the
// resulting session. Nothing is persisted on failure.
func (g *Gate) Authenticate(ctx context.Context, host, username, password string) (*store.Session, error) {
	host = NormalizeHost(host)
	if host == "" {
		return nil, &AuthError{Message: GenericLoginMessage, Err: errors.New("empty host")}
	}
	pair, err := g.api.ObtainToken(ctx, host, username, password)
	if err != nil {
		g.log.Info().Str("event", EventLogin).Str("host", host).Str("username", username).Err(err).Msg("login failed")
		msg := GenericLoginMessage
		if detail, ok := apiclient.Detail(err); ok {
			msg = detail
		}
		return nil, &AuthError{Message: msg, Err: err}
	}
	sess := &store.Session{AccessToken: pair.Access, RefreshToken: pair.Refresh, BackendHost: host}
	if err := g.store.SaveSession(ctx, sess); err != nil {
		g.log.Error().Err(err).Msg("error saving session")
		return nil, &AuthError{Message: GenericLoginMessage, Err: err}
	}
	e := g.log.Info().Str("event", EventLogin).Str("host", host).Str("username", username)
	if exp, ok := Expiry(pair.Access); ok {
		e = e.Time("access_expiry", exp)
	}
	e.Msg("login succeeded")
	return sess, nil
}

// Refresh exchanges the refresh token of stale for a new access token. When
// another caller already refreshed since stale was loaded, the stored session
// is returned without a request.
func (g *Gate) Refresh(ctx context.Context, stale *store.Session) (*store.Session, error) {
	g.refreshMu.Lock()
	defer g.refreshMu.Unlock()

	cur, err := g.store.LoadSession(ctx)
	if err != nil {
		return nil, &AuthError{Message: "No access token found. Please log in.", Err: err}
	}
	if cur.AccessToken != "" && cur.AccessToken != stale.AccessToken {
		return cur, nil
	}
	if cur.RefreshToken == "" {
		return nil, &AuthError{Message: "No access token found. Please log in.", Err: ErrNoRefreshToken}
	}
	access, err := g.api.RefreshToken(ctx, cur.BackendHost, cur.RefreshToken)
	if err != nil {
		g.log.Warn().Str("event", EventRefresh).Err(err).Msg("token refresh failed")
		msg := err.Error()
		if detail, ok := apiclient.Detail(err); ok {
			msg = detail
		}
		return nil, &AuthError{Message: msg, Err: err}
	}
	if err := g.store.UpdateAccessToken(ctx, access); err != nil {
		return nil, &AuthError{Message: err.Error(), Err: err}
	}
	cur.AccessToken = access
	g.log.Info().Str("event", EventRefresh).Msg("access token refreshed")
	return cur, nil
}

// Expiry reads the exp claim of a JWT access token without verifying it.
func Expiry(access string) (time.Time, bool) {
	claims := jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(access, &claims)
	if err != nil || claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
