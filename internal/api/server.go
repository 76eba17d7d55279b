package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/nerrad567/vbus-bridge/internal/audit"
	"github.com/nerrad567/vbus-bridge/internal/directory"
	"github.com/nerrad567/vbus-bridge/internal/discovery"
	"github.com/nerrad567/vbus-bridge/internal/hub"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/config"
	"github.com/nerrad567/vbus-bridge/internal/infrastructure/logging"
)

// gracefulShutdownTimeout bounds how long Close waits for in-flight requests.
const gracefulShutdownTimeout = 10 * time.Second

// Bridge is the part of the hub the API reads from and subscribes to.
type Bridge interface {
	Stats() hub.Stats
	Sessions() map[string]string
	Subscribe(s hub.Subscriber) hub.SubscriberID
	Unsubscribe(id hub.SubscriberID)
	Inject(payload string) (int, error)
}

// ViaTagStore is the via-tag directory.
type ViaTagStore interface {
	List(ctx context.Context) ([]directory.Entry, error)
	Resolve(ctx context.Context, tag string) (directory.Entry, error)
	Upsert(ctx context.Context, e directory.Entry) error
	Delete(ctx context.Context, tag string) error
}

// HealthChecker reports whether a dependency is usable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Deps holds the dependencies of the API server.
type Deps struct {
	Config config.APIConfig
	WS     config.WebSocketConfig
	Logger *logging.Logger

	// Bridge is required.
	Bridge Bridge

	// Directory enables the via-tag endpoints when set.
	Directory ViaTagStore

	// Audit enables GET /audit and the recording of via-tag changes and
	// injected frames, when set.
	Audit audit.Repository

	// AuditWriter queues the recorded entries. When nil and Audit is set,
	// the server runs its own writer between Start and Close.
	AuditWriter *audit.Writer

	// Database and MQTT are reported by /health and /metrics when set.
	Database HealthChecker
	MQTT     interface{ IsConnected() bool }

	// DeviceInfo is served to discovery tools.
	DeviceInfo discovery.DeviceInfo

	Version string
}

// Server is the HTTP API server.
type Server struct {
	cfg        config.APIConfig
	wsCfg      config.WebSocketConfig
	logger     *logging.Logger
	bridge     Bridge
	directory  ViaTagStore
	auditRepo  audit.Repository
	auditW     *audit.Writer
	ownAuditW  bool
	database   HealthChecker
	mqtt       interface{ IsConnected() bool }
	deviceInfo discovery.DeviceInfo
	version    string
	startTime  time.Time

	live     *liveFeed
	server   *http.Server
	listener net.Listener
	cancel   context.CancelFunc
}

// New creates a server. It does not listen until Start.
//
// Parameters:
//   - deps: Required dependencies (logger, bridge) and optional ones
//
// Returns:
//   - *Server: Configured server ready to start
//   - error: If required dependencies are missing
func New(deps Deps) (*Server, error) {
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if deps.Bridge == nil {
		return nil, fmt.Errorf("bridge is required")
	}

	s := &Server{
		cfg:        deps.Config,
		wsCfg:      deps.WS,
		logger:     deps.Logger,
		bridge:     deps.Bridge,
		directory:  deps.Directory,
		auditRepo:  deps.Audit,
		database:   deps.Database,
		mqtt:       deps.MQTT,
		deviceInfo: deps.DeviceInfo,
		version:    deps.Version,
		startTime:  time.Now(),
	}
	if deps.Audit != nil {
		s.auditW = deps.AuditWriter
		if s.auditW == nil {
			s.auditW = audit.NewWriter(deps.Audit, 0, deps.Logger)
			s.ownAuditW = true
		}
	}
	s.live = newLiveFeed(deps.Bridge, deps.WS, deps.Logger)
	return s, nil
}

// Handler returns the router. Start serves it; tests may use it directly.
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

// Start binds the listener and serves in the background.
//
// Parameters:
//   - ctx: Cancelling it closes the live feed connections
//
// Returns:
//   - error: If the listener cannot be bound
func (s *Server) Start(ctx context.Context) error {
	var srvCtx context.Context
	srvCtx, s.cancel = context.WithCancel(ctx)
	context.AfterFunc(srvCtx, s.live.closeAll)
	if s.ownAuditW {
		go s.auditW.Run(srvCtx)
	}

	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	var lc net.ListenConfig
	ln, err := lc.Listen(srvCtx, "tcp", addr)
	if err != nil {
		s.cancel()
		return fmt.Errorf("binding API listener on %s: %w", addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.buildRouter(),
		ReadTimeout:       time.Duration(s.cfg.Timeouts.Read) * time.Second,
		ReadHeaderTimeout: time.Duration(s.cfg.Timeouts.Read) * time.Second,
		WriteTimeout:      time.Duration(s.cfg.Timeouts.Write) * time.Second,
		IdleTimeout:       time.Duration(s.cfg.Timeouts.Idle) * time.Second,
	}

	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			s.logger.Info("API server starting with TLS", "address", ln.Addr().String(), "cert", s.cfg.TLS.CertFile)
			err = s.server.ServeTLS(ln, s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			s.logger.Info("API server starting", "address", ln.Addr().String())
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close shuts the server down, waiting up to 10 seconds for in-flight
// requests.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()

	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck reports whether the server has been started.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return fmt.Errorf("api server not started")
	}
	return nil
}
