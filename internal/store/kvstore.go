package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/gps"
)

// KVStore implements SessionStore on top of a KV backend.
type KVStore struct {
	mu  sync.Mutex
	kv  KV
	log log.Logger
}

func NewKVStore(kv KV) *KVStore {
	s := &KVStore{kv: kv}
	s.log = log.DefaultLogger
	s.log.Context = log.NewContext(nil).Str("module", "session-store").Value()
	return s
}

func (s *KVStore) LoadSession(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	host, ok, err := s.kv.Get(ctx, KeyHostIP)
	if err != nil {
		return nil, err
	}
	if !ok || host == "" {
		return nil, ErrNoSession
	}
	sess := &Session{BackendHost: host}
	sess.AccessToken, _, err = s.kv.Get(ctx, KeyAccessToken)
	if err != nil {
		return nil, err
	}
	sess.RefreshToken, _, err = s.kv.Get(ctx, KeyRefreshToken)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *KVStore) SaveSession(ctx context.Context, sess *Session) error {
	if sess.AccessToken != "" && sess.BackendHost == "" {
		return ErrInvalidSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// host first so that a partially written session never has a token without a host
	if err := s.kv.Set(ctx, KeyHostIP, sess.BackendHost); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyAccessToken, sess.AccessToken); err != nil {
		return err
	}
	if err := s.kv.Set(ctx, KeyRefreshToken, sess.RefreshToken); err != nil {
		return err
	}
	s.log.Debug().Str("host", sess.BackendHost).Msg("session saved")
	return nil
}

func (s *KVStore) UpdateAccessToken(ctx context.Context, access string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	host, ok, err := s.kv.Get(ctx, KeyHostIP)
	if err != nil {
		return err
	}
	if !ok || host == "" {
		return ErrNoSession
	}
	return s.kv.Set(ctx, KeyAccessToken, access)
}

func (s *KVStore) LoadPending(ctx context.Context) (*gps.Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadPending(ctx)
}

func (s *KVStore) loadPending(ctx context.Context) (*gps.Sample, error) {
	raw, ok, err := s.kv.Get(ctx, KeyGpsData)
	if err != nil {
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}
	sample := &gps.Sample{}
	if err := json.Unmarshal([]byte(raw), sample); err != nil {
		return nil, fmt.Errorf("decode pending sample: %w", err)
	}
	return sample, nil
}

// SavePending overwrites the single buffered sample.
func (s *KVStore) SavePending(ctx context.Context, sample *gps.Sample) error {
	d, err := json.Marshal(sample)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Set(ctx, KeyGpsData, string(d))
}

// ClearPendingIf clears the buffered sample only when it is the one with the
// given id, so that a late success for an older sample keeps a newer one.
func (s *KVStore) ClearPendingIf(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, err := s.loadPending(ctx)
	if err != nil {
		return false, err
	}
	if cur == nil || cur.ID != id {
		return false, nil
	}
	return true, s.kv.Delete(ctx, KeyGpsData)
}

func (s *KVStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.kv.Delete(ctx, KeyAccessToken, KeyRefreshToken, KeyHostIP, KeyGpsData)
	if err == nil {
		s.log.Info().Msg("session store cleared")
	}
	return err
}
