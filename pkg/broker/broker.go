package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	mqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/listeners"

	"github.com/transitive-robotics/broker-auth/pkg/accounts"
	"github.com/transitive-robotics/broker-auth/pkg/acl"
	"github.com/transitive-robotics/broker-auth/pkg/auth"
	"github.com/transitive-robotics/broker-auth/pkg/config"
	"github.com/transitive-robotics/broker-auth/pkg/firewall"
	"github.com/transitive-robotics/broker-auth/pkg/logging"
	"github.com/transitive-robotics/broker-auth/pkg/metrics"
)

// Deps are the external collaborators of the server. Store is required;
// the rest default from the configuration.
type Deps struct {
	Store    accounts.Store
	Firewall firewall.Firewall
	Log      *slog.Logger
	Metrics  *metrics.Metrics
}

// Server runs an MQTT broker with the access-control core installed.
type Server struct {
	cfg        *config.Config
	log        *slog.Logger
	server     *mqtt.Server
	hook       *Hook
	cache      *accounts.Cache
	dispatcher *acl.Dispatcher
	fw         firewall.Firewall

	mu         sync.Mutex
	running    bool
	stopTasks  context.CancelFunc
}

// NewServer wires the core together. It does not touch the network.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config cannot be nil")
	}
	if deps.Store == nil {
		return nil, errors.New("account store is required")
	}
	log := deps.Log
	if log == nil {
		log = logging.Nop()
	}

	fw := deps.Firewall
	if fw == nil {
		if cfg.Firewall.Enabled {
			fw = firewall.NewIPSet(cfg.Firewall.Set, log)
		} else {
			fw = firewall.Nop{}
		}
	}

	cache := accounts.NewCache(deps.Store, log)
	verifier := auth.NewVerifier(cache, log)
	dispatcher := acl.NewDispatcher(acl.Options{
		Accounts:            cache,
		Firewall:            fw,
		Log:                 log,
		Metrics:             deps.Metrics,
		CacheTTL:            cfg.Cache.TTL,
		Threshold:           cfg.RateLimit.Threshold,
		BurstThreshold:      cfg.RateLimit.BurstThreshold,
		MaxMeteredBytes:     cfg.Quota.MaxBytes,
		MeteredCapabilities: cfg.Quota.MeteredCapabilities,
	})

	creds := StaticCredentials{}
	for _, c := range cfg.Credentials {
		creds[c.Username] = c.Password
	}

	server := mqtt.New(&mqtt.Options{InlineClient: true, Logger: log})
	hook := NewHook(dispatcher, verifier, creds, deps.Metrics, log)
	hook.SetServer(server)
	if err := server.AddHook(hook, nil); err != nil {
		return nil, fmt.Errorf("adding auth hook: %w", err)
	}

	return &Server{
		cfg:        cfg,
		log:        log,
		server:     server,
		hook:       hook,
		cache:      cache,
		dispatcher: dispatcher,
		fw:         fw,
	}, nil
}

// Accounts exposes the account cache, mainly for tests and the CLI.
func (s *Server) Accounts() *accounts.Cache { return s.cache }

// Start clears the firewall set, primes the account cache, starts the
// background tasks and begins serving the listeners.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("server is already running")
	}

	// informational only, but operators expect to see it in the log
	s.log.Info("starting broker-auth",
		"billing_service", os.Getenv("TR_BILLING_SERVICE"),
		"listen", fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port))

	if err := s.fw.Flush(); err != nil {
		s.log.Error("firewall flush failed", "error", err)
	}

	if err := s.cache.Refresh(ctx); err != nil {
		// keep starting; the refetch task will retry
		s.log.Warn("initial account refresh failed", "error", err)
	}

	tcp := listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Address: fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.Port),
	})
	if err := s.server.AddListener(tcp); err != nil {
		return fmt.Errorf("adding tcp listener: %w", err)
	}
	if s.cfg.Listen.WSPort > 0 {
		ws := listeners.NewWebsocket(listeners.Config{
			ID:      "ws",
			Address: fmt.Sprintf("%s:%d", s.cfg.Listen.Host, s.cfg.Listen.WSPort),
		})
		if err := s.server.AddListener(ws); err != nil {
			return fmt.Errorf("adding websocket listener: %w", err)
		}
	}

	tasksCtx, cancel := context.WithCancel(context.Background())
	s.stopTasks = cancel
	go accounts.Tasks{Cache: s.cache, Log: s.log}.Run(tasksCtx)

	go func() {
		if err := s.server.Serve(); err != nil {
			s.log.Error("mqtt server error", "error", err)
		}
	}()

	s.running = true
	return nil
}

// Stop shuts the server down, flushing the meter one last time.
func (s *Server) Stop(ctx context.Context, timeout time.Duration) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	if s.stopTasks != nil {
		s.stopTasks()
	}
	s.running = false
	s.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- s.server.Close()
	}()

	var closeErr error
	select {
	case err := <-done:
		closeErr = err
	case <-shutdownCtx.Done():
		closeErr = fmt.Errorf("shutdown timed out: %w", shutdownCtx.Err())
	}

	s.cache.Flush(shutdownCtx)

	if closeErr != nil {
		return fmt.Errorf("closing server: %w", closeErr)
	}
	return nil
}
