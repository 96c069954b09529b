// Package simstore is a small in-process syncstore for trying the harness out.
// Reads go through a TTL cache that writes do not invalidate by default, so it
// serves stale values on purpose.
package simstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

const maxValueBytes = 1 << 20

type ServerConfig struct {
	Addr string // e.g. :8080

	// CacheTTL is how long a read may be served from cache. 0 disables the cache.
	CacheTTL time.Duration
	// Invalidate drops the cached entry on every write.
	Invalidate bool

	// Fault injection.
	ErrorRate   float64 // share of requests answered with 500
	CorruptRate float64 // share of found reads answered with a mangled value
	MinLatency  time.Duration
	MaxLatency  time.Duration
}

// Stats are the server's counters, served on /stats.
type Stats struct {
	Keys        int    `json:"keys"`
	Writes      uint64 `json:"writes"`
	Reads       uint64 `json:"reads"`
	Deletes     uint64 `json:"deletes"`
	CacheHits   uint64 `json:"cache_hits"`
	CacheMisses uint64 `json:"cache_misses"`
	Injected    uint64 `json:"injected_errors"`
	Corrupted   uint64 `json:"corrupted_reads"`
}

type cacheEntry struct {
	value   []byte
	found   bool
	expires time.Time
}

type Server struct {
	cfg ServerConfig
	log *zap.Logger

	mu   sync.RWMutex
	data map[string][]byte

	cacheMu sync.Mutex
	cache   map[string]cacheEntry

	rndMu sync.Mutex
	rnd   *rand.Rand

	writes, reads, deletes atomic.Uint64
	hits, misses           atomic.Uint64
	injected, corrupted    atomic.Uint64

	srv      *http.Server
	listener net.Listener
}

func New(cfg ServerConfig, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		cfg:   cfg,
		log:   log,
		data:  make(map[string][]byte),
		cache: make(map[string]cacheEntry),
		rnd:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Handler is the chi router serving the store.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/stats", s.handleStats)

	r.Route("/kv", func(r chi.Router) {
		r.Use(s.faults)
		r.Put("/{key}", s.handlePut)
		r.Get("/{key}", s.handleGet)
		r.Delete("/{key}", s.handleDelete)
	})
	return r
}

// Start listens on cfg.Addr and serves in the background until ctx is done
// or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("simstore listen %s: %w", s.cfg.Addr, err)
	}
	s.listener = l
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.log.Info("simulated syncstore listening",
		zap.String("addr", l.Addr().String()),
		zap.Duration("cache_ttl", s.cfg.CacheTTL),
		zap.Bool("invalidate", s.cfg.Invalidate),
		zap.Float64("error_rate", s.cfg.ErrorRate),
		zap.Float64("corrupt_rate", s.cfg.CorruptRate))

	go func() {
		if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("simstore failed", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) Stats() Stats {
	s.mu.RLock()
	keys := len(s.data)
	s.mu.RUnlock()

	return Stats{
		Keys:        keys,
		Writes:      s.writes.Load(),
		Reads:       s.reads.Load(),
		Deletes:     s.deletes.Load(),
		CacheHits:   s.hits.Load(),
		CacheMisses: s.misses.Load(),
		Injected:    s.injected.Load(),
		Corrupted:   s.corrupted.Load(),
	}
}

// --- Handlers ---

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	value, err := io.ReadAll(io.LimitReader(r.Body, maxValueBytes+1))
	if err != nil {
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}
	if len(value) > maxValueBytes {
		http.Error(w, "value too large", http.StatusRequestEntityTooLarge)
		return
	}

	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
	s.writes.Add(1)

	if s.cfg.Invalidate {
		s.cacheMu.Lock()
		delete(s.cache, key)
		s.cacheMu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	s.reads.Add(1)

	value, found := s.lookup(key)
	if !found {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if s.chance(s.cfg.CorruptRate) {
		s.corrupted.Add(1)
		value = corrupt(value)
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(value)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	s.deletes.Add(1)

	if s.cfg.Invalidate {
		s.cacheMu.Lock()
		delete(s.cache, key)
		s.cacheMu.Unlock()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.Stats())
}

// lookup is the read-through cache. Misses, including "not found", are cached too.
func (s *Server) lookup(key string) ([]byte, bool) {
	if s.cfg.CacheTTL <= 0 {
		return s.load(key)
	}

	now := time.Now()
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()

	if e, ok := s.cache[key]; ok && now.Before(e.expires) {
		s.hits.Add(1)
		return e.value, e.found
	}
	s.misses.Add(1)

	value, found := s.load(key)
	s.cache[key] = cacheEntry{value: value, found: found, expires: now.Add(s.cfg.CacheTTL)}
	return value, found
}

func (s *Server) load(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	return v, ok
}

// --- Middleware ---

func (s *Server) faults(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if d := s.latency(); d > 0 {
			select {
			case <-time.After(d):
			case <-r.Context().Done():
				return
			}
		}
		if s.chance(s.cfg.ErrorRate) {
			s.injected.Add(1)
			http.Error(w, "injected failure", http.StatusInternalServerError)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func (s *Server) latency() time.Duration {
	lo, hi := s.cfg.MinLatency, s.cfg.MaxLatency
	if hi <= lo {
		return lo
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return lo + time.Duration(s.rnd.Int63n(int64(hi-lo)))
}

func (s *Server) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.Float64() < p
}

func corrupt(v []byte) []byte {
	out := make([]byte, len(v), len(v)+1)
	for i, b := range v {
		out[len(v)-1-i] = b
	}
	return append(out, '~')
}
