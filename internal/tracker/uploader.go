package tracker

import (
	"context"
	"errors"
	"net/http"

	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/apiclient"
	"nuha.dev/gpsagent/internal/gps"
	"nuha.dev/gpsagent/internal/metrics"
	"nuha.dev/gpsagent/internal/store"
)

// Backend is the ingestion side of the REST client.
type Backend interface {
	PostLocation(ctx context.Context, host, access string, loc *apiclient.LocationPayload) error
}

// Refresher renews an access token the backend rejected.
type Refresher interface {
	Refresh(ctx context.Context, stale *store.Session) (*store.Session, error)
}

type Uploader struct {
	api     Backend
	gate    Refresher
	store   store.SessionStore
	metrics *metrics.Metrics
	log     log.Logger
}

func NewUploader(api Backend, gate Refresher, st store.SessionStore, m *metrics.Metrics) *Uploader {
	u := &Uploader{api: api, gate: gate, store: st, metrics: m}
	u.log = log.DefaultLogger
	u.log.Context = log.NewContext(nil).Str("module", "uploader").Value()
	return u
}

// Upload sends one sample with the stored session. On success the pending
// slot is cleared if it still holds this sample. A failure leaves the slot
// untouched; the caller decides about retrying.
func (u *Uploader) Upload(ctx context.Context, sample *gps.Sample) error {
	return u.send(ctx, sample, "cadence")
}

// Resend is Upload for samples coming back from the retry queue.
func (u *Uploader) Resend(ctx context.Context, sample *gps.Sample) error {
	return u.send(ctx, sample, "retry")
}

func (u *Uploader) send(ctx context.Context, sample *gps.Sample, origin string) error {
	err := u.upload(ctx, sample)
	result := "ok"
	if err != nil {
		result = "error"
	}
	u.metrics.Uploads.WithLabelValues(origin, result).Inc()
	return err
}

func (u *Uploader) upload(ctx context.Context, sample *gps.Sample) error {
	sess, err := u.store.LoadSession(ctx)
	if errors.Is(err, store.ErrNoSession) {
		return &UploadError{Message: StatusNoHost, Err: err}
	} else if err != nil {
		return sendError(err, true)
	}
	if sess.AccessToken == "" {
		return sendError(errors.New(MsgNoToken), false)
	}

	payload := apiclient.PayloadFromSample(sample)
	err = u.api.PostLocation(ctx, sess.BackendHost, sess.AccessToken, payload)
	if apiclient.IsUnauthorized(err) && u.gate != nil {
		fresh, rerr := u.gate.Refresh(ctx, sess)
		if rerr != nil {
			u.log.Warn().Err(rerr).EmbedObject(sample).Msg("refresh after 401 failed")
		} else {
			err = u.api.PostLocation(ctx, fresh.BackendHost, fresh.AccessToken, payload)
		}
	}
	if err != nil {
		u.log.Info().Str("event", EventUpload).EmbedObject(sample).Err(err).Msg("upload failed")
		return sendError(err, retryable(err))
	}

	cleared, cerr := u.store.ClearPendingIf(ctx, sample.ID)
	if cerr != nil {
		u.log.Error().Err(cerr).Msg("error clearing pending sample")
	}
	u.log.Debug().Str("event", EventUpload).EmbedObject(sample).Bool("pending_cleared", cleared).Msg("upload done")
	return nil
}

// retryable reports whether resending the same payload can succeed later.
func retryable(err error) bool {
	var apiErr *apiclient.APIError
	if !errors.As(err, &apiErr) {
		return true
	}
	switch {
	case apiErr.StatusCode >= 500:
		return true
	case apiErr.StatusCode == http.StatusUnauthorized,
		apiErr.StatusCode == http.StatusRequestTimeout,
		apiErr.StatusCode == http.StatusTooManyRequests:
		return true
	default:
		return false
	}
}
