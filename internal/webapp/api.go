package webapp

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"
	"nuha.dev/gpsagent/internal/metrics"
	"nuha.dev/gpsagent/internal/webapp/tracker"
)

type ApiConfig struct {
	ListenAddr string
	// ControlToken, when set, is required as a bearer token on /func routes.
	ControlToken   string
	AllowedOrigins []string
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    log.Logger
	vld    *validator.Validate
	ctl    tracker.Controller
}

// NewApi builds the control API. stream serves /ws and may be nil.
func NewApi(ctl tracker.Controller, stream http.Handler, m *metrics.Metrics, config *ApiConfig) *Api {
	api := &Api{config: config, ctl: ctl}
	if len(api.config.AllowedOrigins) == 0 {
		api.config.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	api.log = log.DefaultLogger
	api.log.Context = log.NewContext(nil).Str("module", "api-server").Value()
	api.vld = validator.New()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   api.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", m.Handler())
	if stream != nil {
		// websocket upgrades need the raw ResponseWriter, so no request tracking here
		r.Method(http.MethodGet, "/ws", stream)
	}

	disp := NewDispatcher(api.vld)
	tracker_api := tracker.NewTrackerApi(ctl)
	disp.Add("StartTracking", tracker_api.StartTracking)
	disp.Add("StopTracking", tracker_api.StopTracking)
	disp.Add("ViewRoster", tracker_api.ViewRoster)
	disp.Add("SetGroup", tracker_api.SetGroup)
	disp.Add("Back", tracker_api.Back)
	disp.Add("FetchRoster", tracker_api.FetchRoster)
	disp.Add("GetStatus", tracker_api.GetStatus)

	r.Group(func(fr chi.Router) {
		fr.Use(m.RequestTrackingMiddleware)
		if config.ControlToken != "" {
			fr.Use(control_verify(config.ControlToken))
		}
		fr.Post("/func/login", api.Login)
		fr.Post("/func/logout", api.Logout)
		fr.Post("/func/sess_check", api.SessionCheck)
		fr.Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
			disp.Call(chi.URLParam(r, "name"), w, r)
		})
	})

	api.r = r
	api.s = &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        api.r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until Shutdown.
func (api *Api) Run() error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	err := api.s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		api.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func (api *Api) Shutdown(ctx context.Context) error {
	return api.s.Shutdown(ctx)
}

func control_verify(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				log.Debug().Str("remote", r.RemoteAddr).Msg("missing or mismatched control token")
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
