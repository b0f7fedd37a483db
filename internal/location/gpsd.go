package location

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

const watchCommand = `?WATCH={"enable":true,"json":true}` + "\n"

// freshness slack for receivers whose clock lags the host clock
const clockSlack = time.Second

type GpsdConfig struct {
	Addr   string
	DialTO time.Duration
}

// GpsdLocator asks a gpsd daemon for a position. Every call opens a new
// watch and waits for a TPV report produced after the call started.
type GpsdLocator struct {
	config *GpsdConfig
	logger zerolog.Logger
	dialer net.Dialer
}

type gpsdClass struct {
	Class   string `json:"class"`
	Message string `json:"message"`
}

// tpv is the subset of the gpsd TPV report used here.
type tpv struct {
	Mode   int       `json:"mode"`
	Time   time.Time `json:"time"`
	Lat    *float64  `json:"lat"`
	Lon    *float64  `json:"lon"`
	Alt    *float64  `json:"alt"`
	AltHAE *float64  `json:"altHAE"`
	Eph    *float64  `json:"eph"`
	Epx    *float64  `json:"epx"`
	Epy    *float64  `json:"epy"`
}

func NewGpsdLocator(config *GpsdConfig, logger zerolog.Logger) *GpsdLocator {
	l := &GpsdLocator{config: config}
	if l.config.Addr == "" {
		l.config.Addr = "localhost:2947"
	}
	if l.config.DialTO == 0 {
		l.config.DialTO = 3 * time.Second
	}
	l.dialer = net.Dialer{Timeout: l.config.DialTO}
	l.logger = logger.With().Str("module", "gpsd").Logger()
	return l
}

func (l *GpsdLocator) Locate(ctx context.Context) (*Fix, error) {
	start := time.Now()
	nc, err := l.dialer.DialContext(ctx, "tcp", l.config.Addr)
	if err != nil {
		return nil, classify(ctx, err)
	}
	c := newConn(nc, l.logger)
	defer c.Close()
	stop := context.AfterFunc(ctx, c.Close)
	defer stop()
	if dl, ok := ctx.Deadline(); ok {
		_ = c.SetDeadline(dl)
	}

	if _, err := c.Write([]byte(watchCommand)); err != nil {
		return nil, classify(ctx, err)
	}
	for {
		line, err := c.ReadLine()
		if err != nil {
			return nil, classify(ctx, err)
		}
		var cls gpsdClass
		if err := json.Unmarshal(line, &cls); err != nil {
			l.logger.Debug().Err(err).Bytes("line", line).Msg("skipping malformed gpsd line")
			continue
		}
		switch cls.Class {
		case "ERROR":
			return nil, &SampleError{Code: PositionUnavailable, Message: "gpsd: " + cls.Message}
		case "TPV":
		default:
			continue
		}
		var r tpv
		if err := json.Unmarshal(line, &r); err != nil {
			l.logger.Debug().Err(err).Msg("skipping malformed TPV")
			continue
		}
		fix, ok := r.fix(start)
		if ok {
			l.logger.Debug().Float64("latitude", fix.Latitude).Float64("longitude", fix.Longitude).Int("mode", r.Mode).Msg("fix acquired")
			return fix, nil
		}
	}
}

// fix converts a TPV report, rejecting reports without a 2D fix and reports
// older than the request.
func (r *tpv) fix(since time.Time) (*Fix, bool) {
	if r.Mode < 2 || r.Lat == nil || r.Lon == nil {
		return nil, false
	}
	t := r.Time
	if t.IsZero() {
		t = time.Now()
	} else if t.Before(since.Add(-clockSlack)) {
		return nil, false
	}
	f := &Fix{Latitude: *r.Lat, Longitude: *r.Lon, Time: t}
	if r.Mode == 3 {
		if r.AltHAE != nil {
			f.Altitude = r.AltHAE
		} else {
			f.Altitude = r.Alt
		}
	}
	if r.Eph != nil {
		f.Accuracy = r.Eph
	} else if r.Epx != nil && r.Epy != nil {
		acc := math.Max(*r.Epx, *r.Epy)
		f.Accuracy = &acc
	}
	return f, true
}

func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, os.ErrDeadlineExceeded) {
		return &SampleError{Code: Timeout, Message: "Timeout expired", Err: err}
	}
	if errors.Is(err, syscall.EACCES) || errors.Is(err, syscall.EPERM) {
		return &SampleError{Code: PermissionDenied, Message: "User denied Geolocation", Err: err}
	}
	return &SampleError{Code: PositionUnavailable, Message: fmt.Sprintf("Position unavailable: %v", err), Err: err}
}
