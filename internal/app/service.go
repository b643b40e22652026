// Package service wires the relay server: the sqlite store, the websocket
// relay hub and the HTTP API on top of them.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/okian/racetrack/internal/adapters/broadcast/ws"
	"github.com/okian/racetrack/internal/adapters/http/api"
	"github.com/okian/racetrack/internal/adapters/repository"
	"github.com/okian/racetrack/internal/domain/matchmaking"
	"github.com/okian/racetrack/pkg/logger"
)

// ErrNotStarted is returned by accessors used before Start.
var ErrNotStarted = errors.New("service not started")

// Service owns the relay server's components.
type Service struct {
	mu sync.RWMutex

	// Core components
	repo *repository.Repository
	hub  *ws.Hub

	// Configuration
	dbPath     string
	maxSpread  int
	validate   bool
	repoOpts   []repository.Option
	apiOpts    []api.Option
	hubOptions []ws.HubOption

	// State
	started bool
	cancel  context.CancelFunc
	hubDone chan struct{}

	logger logger.Logger
}

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithDBPath sets the sqlite database file. ":memory:" keeps everything in memory.
func WithDBPath(path string) Option {
	return func(s *Service) {
		if path != "" {
			s.dbPath = path
		}
	}
}

// WithMaxTierSpread sets the default matchmaking spread.
func WithMaxTierSpread(n int) Option {
	return func(s *Service) {
		if n >= 0 {
			s.maxSpread = n
		}
	}
}

// WithRelayValidation toggles dropping relay payloads that are not samples.
func WithRelayValidation(on bool) Option {
	return func(s *Service) {
		s.validate = on
	}
}

// WithRepositoryOptions passes options to the store.
func WithRepositoryOptions(opts ...repository.Option) Option {
	return func(s *Service) {
		s.repoOpts = append(s.repoOpts, opts...)
	}
}

// WithAPIOptions passes options to the HTTP API.
func WithAPIOptions(opts ...api.Option) Option {
	return func(s *Service) {
		s.apiOpts = append(s.apiOpts, opts...)
	}
}

// WithHubOptions passes options to the relay hub.
func WithHubOptions(opts ...ws.HubOption) Option {
	return func(s *Service) {
		s.hubOptions = append(s.hubOptions, opts...)
	}
}

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Service. Nothing is opened until Start.
func New(opts ...Option) *Service {
	s := &Service{
		dbPath:    "racetrack.db",
		maxSpread: matchmaking.DefaultSpread,
		validate:  true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start opens the store and runs the relay hub until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.logger == nil {
		s.logger = logger.Get()
	}
	s.logger.Info(ctx, "starting relay service...", logger.String("db", s.dbPath))

	repo, err := repository.Open(s.dbPath, append([]repository.Option{
		repository.WithLogger(s.logger.Named("repository")),
	}, s.repoOpts...)...)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	s.repo = repo

	s.hub = ws.NewHub(append([]ws.HubOption{
		ws.WithHubLogger(s.logger.Named("relay")),
		ws.WithValidation(s.validate),
	}, s.hubOptions...)...)
	hubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.hubDone = make(chan struct{})
	go func() {
		defer close(s.hubDone)
		s.hub.Run(hubCtx)
	}()

	s.started = true
	s.logger.Info(ctx, "relay service started", logger.Int("maxTierSpread", s.maxSpread))
	return nil
}

// Stop closes relay connections and the store.
func (s *Service) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.logger.Info(context.Background(), "stopping relay service...")

	s.cancel()
	<-s.hubDone
	if err := s.repo.Close(); err != nil {
		s.logger.Warn(context.Background(), "closing store", logger.Error(err))
	}

	s.started = false
	s.logger.Info(context.Background(), "relay service stopped")
}

// Store returns the repository.
func (s *Service) Store() (repository.Store, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	return s.repo, nil
}

// Handler returns the HTTP API backed by this service.
func (s *Service) Handler() (http.Handler, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.started {
		return nil, ErrNotStarted
	}
	opts := append([]api.Option{
		api.WithMaxSpread(s.maxSpread),
		api.WithLogger(s.logger.Named("api")),
	}, s.apiOpts...)
	return api.NewServer(s.repo, s.hub, s, opts...).Router(), nil
}

// GetStats returns service statistics for monitoring.
func (s *Service) GetStats() map[string]interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := map[string]interface{}{
		"started":       s.started,
		"maxTierSpread": s.maxSpread,
	}
	if !s.started {
		return stats
	}

	rooms, clients := s.hub.Totals()
	stats["relayRooms"] = rooms
	stats["relayClients"] = clients

	st, err := s.repo.Stats(context.Background())
	if err != nil {
		s.logger.Warn(context.Background(), "reading store stats", logger.Error(err))
		return stats
	}
	stats["races"] = st.Races
	stats["participants"] = st.Participants
	stats["finished"] = st.Finished
	stats["rankedProfiles"] = st.Ranked
	return stats
}
