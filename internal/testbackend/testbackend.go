// Package testbackend is an in-process fake of the tracking backend REST
// contract, used by package tests.
package testbackend

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
)

var signingKey = []byte("testbackend")

// Location is one ingested position as received by the fake.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude"`
	Accuracy  *float64 `json:"accuracy"`
	Token     string   `json:"-"`
}

type Backend struct {
	Server *httptest.Server

	mu         sync.Mutex
	users      map[string]string
	access     map[string]string
	refresh    map[string]string
	latest     map[string][]map[string]any
	locations  []Location
	hits       map[string]int
	groups     []string
	failUpload int
	failLatest int
	tokenTTL   time.Duration
	seq        int
}

// New starts a fake backend that knows the user alice/pw. It is closed when
// the test ends.
func New(t testing.TB) *Backend {
	b := &Backend{
		users:    map[string]string{"alice": "pw"},
		access:   make(map[string]string),
		refresh:  make(map[string]string),
		latest:   make(map[string][]map[string]any),
		hits:     make(map[string]int),
		tokenTTL: time.Hour,
	}
	b.Server = httptest.NewServer(b.router())
	t.Cleanup(b.Server.Close)
	return b
}

// Host is the server address without scheme, as a user would type it.
func (b *Backend) Host() string {
	return strings.TrimPrefix(b.Server.URL, "http://")
}

func (b *Backend) AddUser(username, password string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[username] = password
}

// ExpireAccess makes every access token issued so far rejected with 401.
func (b *Backend) ExpireAccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.access = make(map[string]string)
}

// RevokeRefresh makes every refresh token issued so far rejected with 401.
func (b *Backend) RevokeRefresh() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh = make(map[string]string)
}

// FailUploads answers ingestion requests with status until called with 0.
func (b *Backend) FailUploads(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failUpload = status
}

// FailLatest answers roster requests with status until called with 0.
func (b *Backend) FailLatest(status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failLatest = status
}

func (b *Backend) SetLatest(group string, entries ...map[string]any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[group] = entries
}

func (b *Backend) Locations() []Location {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Location, len(b.locations))
	copy(out, b.locations)
	return out
}

// Hits returns how many requests reached path, whatever their outcome.
func (b *Backend) Hits(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[path]
}

// Groups returns the user_group values of roster requests, in order.
func (b *Backend) Groups() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.groups))
	copy(out, b.groups)
	return out
}

func (b *Backend) router() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b.mu.Lock()
			b.hits[r.URL.Path]++
			b.mu.Unlock()
			next.ServeHTTP(w, r)
		})
	})
	r.Post("/api/token/", b.obtainToken)
	r.Post("/api/token/refresh/", b.refreshToken)
	r.Post("/api/gpslocations/", b.postLocation)
	r.Get("/api/gpslocations/latest", b.latestLocations)
	return r
}

func (b *Backend) sign(username string) string {
	b.seq++
	claims := jwt.RegisteredClaims{
		Subject:   username,
		ID:        strconv.Itoa(b.seq),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(b.tokenTTL)),
		IssuedAt:  jwt.NewNumericDate(time.Now()),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(signingKey)
	if err != nil {
		panic(err)
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func detail(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"detail": msg})
}

func (b *Backend) obtainToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "malformed request")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	pw, ok := b.users[req.Username]
	if !ok || pw != req.Password {
		detail(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}
	access, refresh := b.sign(req.Username), b.sign(req.Username)
	b.access[access] = req.Username
	b.refresh[refresh] = req.Username
	writeJSON(w, http.StatusOK, map[string]string{"access": access, "refresh": refresh})
}

func (b *Backend) refreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Refresh string `json:"refresh"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		detail(w, http.StatusBadRequest, "malformed request")
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, ok := b.refresh[req.Refresh]
	if !ok {
		detail(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}
	access := b.sign(user)
	b.access[access] = user
	writeJSON(w, http.StatusOK, map[string]string{"access": access})
}

// authorized must be called with mu held.
func (b *Backend) authorized(r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	_, ok := b.access[token]
	return token, ok
}

func (b *Backend) postLocation(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	token, ok := b.authorized(r)
	if !ok {
		detail(w, http.StatusUnauthorized, "Given token not valid for any token type")
		return
	}
	if b.failUpload != 0 {
		detail(w, b.failUpload, "ingestion unavailable")
		return
	}
	loc := Location{}
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		detail(w, http.StatusBadRequest, "malformed request")
		return
	}
	loc.Token = token
	b.locations = append(b.locations, loc)
	writeJSON(w, http.StatusCreated, loc)
}

func (b *Backend) latestLocations(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.authorized(r); !ok {
		detail(w, http.StatusUnauthorized, "Given token not valid for any token type")
		return
	}
	group := r.URL.Query().Get("user_group")
	b.groups = append(b.groups, group)
	if b.failLatest != 0 {
		detail(w, b.failLatest, "roster unavailable")
		return
	}
	entries, ok := b.latest[group]
	if !ok {
		entries = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, entries)
}
