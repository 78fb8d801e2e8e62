// Package daemon serves the broker's HTTP control API, the viewer stream
// and the launcher endpoint on one listener.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/g960059/agtbroker/internal/config"
	"github.com/g960059/agtbroker/internal/gateway"
	"github.com/g960059/agtbroker/internal/launcher"
	"github.com/g960059/agtbroker/internal/metrics"
	"github.com/g960059/agtbroker/internal/supervisor"
)

var ErrAlreadyRunning = errors.New("broker already running")

type Options struct {
	Config     config.Config
	Supervisor *supervisor.Supervisor
	Router     *launcher.Router
	Registry   *launcher.Registry
	Hub        *launcher.Hub
	Gateway    *gateway.Gateway
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

type Server struct {
	cfg      config.Config
	sup      *supervisor.Supervisor
	router   *launcher.Router
	registry *launcher.Registry
	metrics  *metrics.Metrics
	log      *zap.Logger
	engine   *gin.Engine
	httpSrv  *http.Server
	now      func() time.Time

	mu       sync.Mutex
	listener net.Listener
	lockFile *os.File

	shutdown    sync.Once
	shutdownErr error
}

func NewServer(opts Options) *Server {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.New()
	}
	s := &Server{
		cfg:      opts.Config,
		sup:      opts.Supervisor,
		router:   opts.Router,
		registry: opts.Registry,
		metrics:  m,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(requestLogger(log))
	engine.Use(m.Middleware())
	if opts.Config.RateLimitEnabled {
		log.Info("rate limiting enabled",
			zap.Int("rps", opts.Config.RateLimitRPS),
			zap.Int("burst", opts.Config.RateLimitBurst),
		)
		engine.Use(rateLimit(opts.Config.RateLimitRPS, opts.Config.RateLimitBurst))
	}

	v1 := engine.Group("/v1")
	v1.GET("/health", s.healthHandler)
	v1.GET("/waiting", s.waitingHandler)
	v1.POST("/sessions", s.spawnHandler)
	v1.GET("/sessions/:id", s.statusHandler)
	v1.POST("/sessions/:id/kill", s.killHandler)
	v1.POST("/sessions/:id/resize", s.resizeHandler)
	v1.POST("/sessions/:id/write", s.writeHandler)
	v1.POST("/sessions/:id/input-state", s.inputStateHandler)
	if opts.Gateway != nil {
		v1.GET("/sessions/:id/stream", opts.Gateway.Handle)
	}
	v1.GET("/launchers", s.launchersHandler)
	if opts.Hub != nil {
		v1.GET("/launchers/connect", opts.Hub.Handle)
	}
	engine.GET("/metrics", gin.WrapH(m.Handler()))

	s.engine = engine
	s.httpSrv = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler exposes the routes without a listener.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr is the bound listen address once Start has been called.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Listen takes the instance lock and binds the listen address.
func (s *Server) Listen() error {
	if err := s.acquireLock(); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		s.releaseLock() //nolint:errcheck
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()
	s.log.Info("control api listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Start serves until ctx is cancelled or the listener fails. It calls
// Listen first when that has not happened yet.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()
	if ln == nil {
		if err := s.Listen(); err != nil {
			return err
		}
		s.mu.Lock()
		ln = s.listener
		s.mu.Unlock()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err != nil {
			_ = s.Shutdown(context.Background())
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	}
}

// Shutdown stops accepting requests and releases the instance lock.
// Hijacked websocket connections are not waited for.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdown.Do(func() {
		var errs []error
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.mu.Lock()
		listener := s.listener
		s.listener = nil
		s.mu.Unlock()
		if listener != nil {
			if err := listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
				errs = append(errs, err)
			}
		}
		if err := s.releaseLock(); err != nil {
			errs = append(errs, err)
		}
		s.shutdownErr = errors.Join(errs...)
	})
	return s.shutdownErr
}

func (s *Server) lockPath() string {
	return s.cfg.DBPath + ".lock"
}

// acquireLock guards the store against a second broker on the same host.
func (s *Server) acquireLock() error {
	lockPath := s.lockPath()
	if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
		return fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close() //nolint:errcheck
		return fmt.Errorf("%w: %s is locked", ErrAlreadyRunning, lockPath)
	}
	s.mu.Lock()
	s.lockFile = f
	s.mu.Unlock()
	return nil
}

func (s *Server) releaseLock() error {
	s.mu.Lock()
	f := s.lockFile
	s.lockFile = nil
	s.mu.Unlock()
	if f == nil {
		return nil
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close() //nolint:errcheck
		return err
	}
	return f.Close()
}
