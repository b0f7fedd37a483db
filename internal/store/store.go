package store

import (
	"context"
	"errors"

	"nuha.dev/gpsagent/internal/gps"
)

// Keys persisted on the device.
const (
	KeyAccessToken  string = "access_token"
	KeyRefreshToken string = "refresh_token"
	KeyHostIP       string = "host_ip"
	KeyGpsData      string = "gpsData"
)

var (
	ErrNoSession      = errors.New("no session stored")
	ErrInvalidSession = errors.New("access token without backend host")
)

// KV is the device-local durable key/value collaborator.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string) error
	Delete(ctx context.Context, keys ...string) error
	Close() error
}

// Session is the authentication state shared by the uploader and the roster
// poller. Only the credential gate writes it.
type Session struct {
	AccessToken  string `json:"access"`
	RefreshToken string `json:"refresh"`
	BackendHost  string `json:"host"`
}

// SessionStore is what components receive instead of touching the KV directly.
type SessionStore interface {
	LoadSession(ctx context.Context) (*Session, error)
	SaveSession(ctx context.Context, sess *Session) error
	UpdateAccessToken(ctx context.Context, access string) error
	LoadPending(ctx context.Context) (*gps.Sample, error)
	SavePending(ctx context.Context, sample *gps.Sample) error
	ClearPendingIf(ctx context.Context, id string) (bool, error)
	Clear(ctx context.Context) error
}
