package api

import (
	"context"
	"net/http"
	"sort"

	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/session"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	grpctransport "github.com/kashguard/go-mpc-mesh/internal/mpc/transport/grpc"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport/offline"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Router struct {
	Routes     []*echo.Route
	Root       *echo.Group
	Management *echo.Group
	APIV1      *echo.Group
}

// Server is a central struct keeping all the dependencies.
// It is initialized with wire, which handles making the new instances of the components
// in the right order. To add a new component, 3 steps are required:
// - declaring it in this struct
// - adding a provider function in providers.go
// - adding the provider's function name to the arguments of wire.Build() in wire.go
//
// Components labeled as `wire:"-"` will be skipped and have to be initialized after the InitNewServer* call.
// For more information about wire refer to https://pkg.go.dev/github.com/google/wire
type Server struct {
	// skip wire:
	// -> initialized with router.Init(s) function
	Echo   *echo.Echo `wire:"-"`
	Router *Router    `wire:"-"`

	Config    config.Server
	Clock     time2.Clock
	Transport transport.Transport
	Sessions  *session.Manager
	Redis     *redis.Client // REDIS_ENABLED=false 时为 nil
}

// newServerWithComponents is used by wire to initialize the server components.
// Components not listed here won't be handled by wire and should be initialized separately.
// Components which shouldn't be handled must be labeled `wire:"-"` in Server struct.
func newServerWithComponents(
	cfg config.Server,
	clock time2.Clock,
	tr transport.Transport,
	sessions *session.Manager,
	redisClient *redis.Client,
) *Server {
	return &Server{
		Config:    cfg,
		Clock:     clock,
		Transport: tr,
		Sessions:  sessions,
		Redis:     redisClient,
	}
}

func NewServer(config config.Server) *Server {
	s := &Server{
		Config: config,
	}

	return s
}

func (s *Server) Ready() bool {
	if s.Echo == nil || s.Router == nil || s.Transport == nil || s.Sessions == nil || s.Clock == nil {
		log.Debug().Msg("Server is not fully initialized")
		return false
	}

	return true
}

// Start 启动传输层、会话管理器和 HTTP 服务，HTTP 服务退出前阻塞
func (s *Server) Start() error {
	if !s.Ready() {
		return errors.New("server is not ready")
	}

	ctx := context.Background()

	// 1. 传输层
	switch tr := s.Transport.(type) {
	case *grpctransport.Transport:
		if err := tr.Start(ctx); err != nil {
			return errors.Wrap(err, "failed to start grpc transport")
		}
	case *offline.Transport:
		tr.Start(ctx)
	}
	log.Info().
		Str("node_id", s.Config.MPC.NodeID).
		Str("transport", s.Config.MPC.Transport).
		Msg("Mesh transport started")

	// 2. 会话管理器
	if err := s.Sessions.Start(ctx); err != nil {
		return errors.Wrap(err, "failed to start session manager")
	}

	// 3. 主动连接配置中的对端
	for _, peer := range s.peerIDs() {
		if err := s.Transport.Connect(ctx, peer); err != nil {
			log.Warn().Err(err).Str("peer_id", peer).Msg("Initial connection to peer failed, sessions will retry")
		}
	}

	// 4. HTTP
	if err := s.Echo.Start(s.Config.Echo.ListenAddress); err != nil {
		return errors.Wrap(err, "failed to start echo server")
	}

	return nil
}

func (s *Server) Shutdown(ctx context.Context) []error {
	log.Warn().Msg("Shutting down server")

	var errs []error

	if s.Echo != nil {
		log.Debug().Msg("Shutting down echo server")
		if err := s.Echo.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Failed to shutdown echo server")
			errs = append(errs, err)
		}
	}

	if s.Sessions != nil {
		log.Debug().Msg("Stopping session manager")
		if err := s.Sessions.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to stop session manager")
			errs = append(errs, err)
		}
	}

	if s.Transport != nil {
		log.Debug().Msg("Closing mesh transport")
		if err := s.Transport.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close mesh transport")
			errs = append(errs, err)
		}
	}

	if s.Redis != nil {
		log.Debug().Msg("Closing redis client")
		if err := s.Redis.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close redis client")
			errs = append(errs, err)
		}
	}

	return errs
}

// peerIDs 配置中的对端；离线传输以收件人名单为准
func (s *Server) peerIDs() []string {
	source := s.Config.MPC.Peers
	if s.Config.MPC.Transport == "offline" {
		source = s.Config.Offline.Recipients
	}

	peers := make([]string, 0, len(source))
	for id := range source {
		if id != s.Config.MPC.NodeID {
			peers = append(peers, id)
		}
	}
	sort.Strings(peers)
	return peers
}
