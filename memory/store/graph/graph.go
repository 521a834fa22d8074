// Package graph implements the durable memory tier on Neo4j.
//
// The store owns a resilient connection lifecycle: a failed dial moves
// it to Disconnected and spawns a single background reconnect loop with
// exponential backoff; an authentication failure is terminal until an
// operator updates credentials. Every read/write treats a missing
// connection as an empty result with StatusUnavailable, never an error.
package graph

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/ecelabs/tiermem/memory"
)

// Config holds connection and scoring settings for the store.
type Config struct {
	URI      string
	User     string
	Password string
	Database string

	// Reconnect loop tuning.
	InitialDelay  time.Duration
	MaxAttempts   int
	BackoffFactor float64

	// Score defaults applied when category/metadata heuristics do not
	// decide.
	DefaultProvenance float64
	DefaultFreshness  float64
}

// DefaultConfig returns sensible defaults for a local Neo4j.
var DefaultConfig = Config{
	URI:               "bolt://localhost:7687",
	User:              "neo4j",
	Database:          "neo4j",
	InitialDelay:      5 * time.Second,
	MaxAttempts:       6,
	BackoffFactor:     2.0,
	DefaultProvenance: 0.5,
	DefaultFreshness:  1.0,
}

// connector dials the backend and returns a live querier. Swapped out
// in tests.
type connector func(ctx context.Context, cfg Config) (querier, error)

// querier is the minimal query surface the store needs from a live
// connection.
type querier interface {
	Run(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	Close(ctx context.Context) error
}

// Store is the Neo4j-backed memory.GraphStore.
type Store struct {
	mu       sync.Mutex
	cfg      Config
	connect  connector
	q        querier
	state    memory.ConnState
	attempts int
	looping  bool
	cancel   context.CancelFunc

	// gen identifies the current reconnect loop. A cancelled loop's
	// cleanup compares its own generation before touching shared state,
	// so it cannot clobber the flags of a loop that replaced it.
	gen int

	// dedup is a lookaside over content_hash -> memory id so repeat
	// writes skip the round trip entirely.
	dedup *ristretto.Cache
}

// NewStore creates a Store in the Uninitialized state. Call Connect to
// dial.
func NewStore(cfg Config) (*Store, error) {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = DefaultConfig.InitialDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig.MaxAttempts
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = DefaultConfig.BackoffFactor
	}
	if cfg.DefaultProvenance <= 0 {
		cfg.DefaultProvenance = DefaultConfig.DefaultProvenance
	}
	if cfg.DefaultFreshness <= 0 {
		cfg.DefaultFreshness = DefaultConfig.DefaultFreshness
	}

	dedup, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 100_000,
		MaxCost:     1 << 24,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("dedup cache: %w", err)
	}

	return &Store{
		cfg:     cfg,
		connect: boltConnect,
		state:   memory.ConnUninitialized,
		dedup:   dedup,
	}, nil
}

// Connect dials the backend and provisions schema. A non-auth failure
// leaves the store Disconnected with the reconnect loop running; an
// auth failure leaves it in the terminal AuthError state. Neither is
// returned as an error.
func (s *Store) Connect(ctx context.Context) error {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	q, err := s.connect(ctx, cfg)
	if err != nil {
		if isAuthError(err) {
			log.Printf("[NEO4J] Authentication failed: %v", err)
			s.mu.Lock()
			s.state = memory.ConnAuthError
			s.mu.Unlock()
			return nil
		}
		log.Printf("[NEO4J] Connection failed, scheduling reconnect: %v", err)
		s.mu.Lock()
		s.state = memory.ConnDisconnected
		s.startLoopLocked()
		s.mu.Unlock()
		return nil
	}

	s.provision(ctx, q)
	s.mu.Lock()
	s.q = q
	s.state = memory.ConnConnected
	s.attempts = 0
	s.mu.Unlock()
	log.Printf("[NEO4J] Connected to %s", cfg.URI)
	return nil
}

// State reports the current connectivity state.
func (s *Store) State() memory.ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TriggerReconnect restarts the reconnect loop. Without force the call
// is a no-op when already connected, already reconnecting, or in
// AuthError. force cancels any live connection and loop, resets state,
// and starts over.
func (s *Store) TriggerReconnect(force bool) memory.ReconnectResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.triggerReconnectLocked(force)
}

func (s *Store) triggerReconnectLocked(force bool) memory.ReconnectResult {
	if !force {
		switch {
		case s.state == memory.ConnAuthError:
			return memory.ReconnectResult{Message: "authentication error; update credentials first"}
		case s.looping:
			return memory.ReconnectResult{Message: "reconnect already in progress"}
		case s.state == memory.ConnConnected:
			return memory.ReconnectResult{Message: "already connected"}
		}
	}

	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
		s.looping = false
	}
	if s.q != nil {
		q := s.q
		s.q = nil
		go q.Close(context.Background())
	}
	s.state = memory.ConnDisconnected
	s.attempts = 0
	s.startLoopLocked()
	return memory.ReconnectResult{Started: true, Message: "reconnect started"}
}

// GetConnectionConfig returns the admin view with the password masked.
func (s *Store) GetConnectionConfig() memory.ConnectionConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	masked := ""
	if s.cfg.Password != "" {
		masked = "********"
	}
	return memory.ConnectionConfig{
		URI:               s.cfg.URI,
		User:              s.cfg.User,
		Password:          masked,
		AuthError:         s.state == memory.ConnAuthError,
		ReconnectAttempts: s.attempts,
		Reconnecting:      s.looping,
	}
}

// UpdateConnectionConfig replaces any non-empty fields and forces a
// reconnect with the new settings.
func (s *Store) UpdateConnectionConfig(uri, user, password string) memory.ReconnectResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if uri != "" {
		s.cfg.URI = uri
	}
	if user != "" {
		s.cfg.User = user
	}
	if password != "" {
		s.cfg.Password = password
	}
	return s.triggerReconnectLocked(true)
}

// Close cancels the reconnect loop and releases the connection.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.gen++
	s.looping = false
	q := s.q
	s.q = nil
	s.state = memory.ConnDisconnected
	s.mu.Unlock()

	s.dedup.Close()
	if q != nil {
		return q.Close(ctx)
	}
	return nil
}

// startLoopLocked spawns the background reconnect loop. Caller holds
// s.mu. No-op when a loop is already running or auth has failed.
func (s *Store) startLoopLocked() {
	if s.looping || s.state == memory.ConnAuthError {
		return
	}
	s.looping = true
	s.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.reconnectLoop(ctx, s.gen)
}

func (s *Store) reconnectLoop(ctx context.Context, gen int) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	delay := cfg.InitialDelay
	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			if s.gen == gen {
				s.looping = false
			}
			s.mu.Unlock()
			return
		case <-time.After(delay):
		}

		s.mu.Lock()
		if s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.state = memory.ConnReconnecting
		s.attempts = attempt
		cfg = s.cfg
		s.mu.Unlock()

		q, err := s.connect(ctx, cfg)
		if err == nil {
			s.provision(ctx, q)
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				go q.Close(context.Background())
				return
			}
			s.q = q
			s.state = memory.ConnConnected
			s.looping = false
			s.cancel = nil
			s.mu.Unlock()
			log.Printf("[NEO4J] Reconnected on attempt %d", attempt)
			return
		}
		if isAuthError(err) {
			log.Printf("[NEO4J] Authentication failed during reconnect: %v", err)
			s.mu.Lock()
			if s.gen != gen {
				s.mu.Unlock()
				return
			}
			s.state = memory.ConnAuthError
			s.looping = false
			s.cancel = nil
			s.mu.Unlock()
			return
		}
		log.Printf("[NEO4J] Reconnect attempt %d/%d failed: %v", attempt, cfg.MaxAttempts, err)
		delay = time.Duration(float64(delay) * cfg.BackoffFactor)
	}

	log.Printf("[NEO4J] Reconnect attempts exhausted; waiting for explicit trigger")
	s.mu.Lock()
	if s.gen == gen {
		s.state = memory.ConnDisconnected
		s.looping = false
		s.cancel = nil
	}
	s.mu.Unlock()
}

// provision creates constraints and indexes. Individual failures are
// logged and skipped; a missing full-text index only costs search
// quality, the CONTAINS fallback still works.
func (s *Store) provision(ctx context.Context, q querier) {
	stmts := []string{
		`CREATE CONSTRAINT entity_name IF NOT EXISTS FOR (e:Entity) REQUIRE e.name IS UNIQUE`,
		`CREATE INDEX memory_hash IF NOT EXISTS FOR (m:Memory) ON (m.content_hash)`,
		`CREATE INDEX memory_category IF NOT EXISTS FOR (m:Memory) ON (m.category)`,
		`CREATE FULLTEXT INDEX memorySearch IF NOT EXISTS FOR (m:Memory) ON EACH [m.content_cleaned, m.content]`,
	}
	for _, stmt := range stmts {
		if _, err := q.Run(ctx, stmt, nil); err != nil {
			log.Printf("[NEO4J] Provisioning statement failed (continuing): %v", err)
		}
	}
}

// live returns the querier when connected, or nil.
func (s *Store) live() querier {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != memory.ConnConnected {
		return nil
	}
	return s.q
}

// degrade records a query failure on a live connection: the store drops
// to Disconnected (or AuthError) and the reconnect loop takes over.
func (s *Store) degrade(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != memory.ConnConnected {
		return
	}
	if s.q != nil {
		q := s.q
		s.q = nil
		go q.Close(context.Background())
	}
	if isAuthError(err) {
		s.state = memory.ConnAuthError
		return
	}
	s.state = memory.ConnDisconnected
	s.startLoopLocked()
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unauthorized") || strings.Contains(msg, "authentication")
}
