package config

import (
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/util"
	"github.com/rs/zerolog"
)

// EchoServer HTTP 应用层接口配置
type EchoServer struct {
	Debug                         bool
	ListenAddress                 string
	EnableRecoverMiddleware       bool
	EnableRequestIDMiddleware     bool
	EnableTrailingSlashMiddleware bool
	EnableCORSMiddleware          bool
	EnableLoggerMiddleware        bool
	EventStreamHeartbeat          time.Duration
}

// LoggerServer 日志配置
type LoggerServer struct {
	Level              zerolog.Level
	RequestLevel       zerolog.Level
	PrettyPrintConsole bool
}

// MPC 节点配置
type MPC struct {
	NodeID        string
	Role          string
	GRPCPort      int
	TLSEnabled    bool
	TLSCertFile   string
	TLSKeyFile    string
	TLSCACertFile string
	Peers         map[string]string // 节点 ID 到 gRPC 地址的映射
	Transport     string            // grpc, offline
}

// Session 会话与轮次超时配置
type Session struct {
	Timeout           time.Duration
	RoundTimeout      time.Duration
	SetupTimeout      time.Duration // 从提议到网格就绪的最长时间
	RejoinWindow      time.Duration
	WatchdogInterval  time.Duration
	Workers           int
	MailboxWarnSize   int
	FinishedCacheSize int
	AutoAccept        bool   // 收到提议后自动接受
	PrimitiveSecret   string // 派生模拟原语种子的节点密钥
}

// Mesh 连接监控配置
type Mesh struct {
	HeartbeatInterval time.Duration
	DeadAfter         time.Duration
	ReconnectWindow   time.Duration
	LossWindow        int
}

// Redis 缓存配置
type Redis struct {
	Enabled      bool
	Addr         string
	Password     string
	DB           int
	EventChannel string // 状态事件发布频道，为空时不发布
}

// Auth 重连令牌配置
type Auth struct {
	RejoinSecret string
	Issuer       string
}

// Offline 离线（手动交换）传输配置
type Offline struct {
	ExchangeDir  string
	IdentityFile string
	Recipients   map[string]string // 节点 ID 到 age 公钥的映射
	PollInterval time.Duration
}

// Server 服务总配置
type Server struct {
	Echo    EchoServer
	Logger  LoggerServer
	MPC     MPC
	Session Session
	Mesh    Mesh
	Redis   Redis
	Auth    Auth
	Offline Offline
}

// DefaultServiceConfigFromEnv 从环境变量读取配置
func DefaultServiceConfigFromEnv() Server {
	return Server{
		Echo: EchoServer{
			Debug:                         util.GetEnvAsBool("SERVER_ECHO_DEBUG", false),
			ListenAddress:                 util.GetEnv("SERVER_ECHO_LISTEN_ADDRESS", ":8080"),
			EnableRecoverMiddleware:       util.GetEnvAsBool("SERVER_ECHO_ENABLE_RECOVER_MIDDLEWARE", true),
			EnableRequestIDMiddleware:     util.GetEnvAsBool("SERVER_ECHO_ENABLE_REQUEST_ID_MIDDLEWARE", true),
			EnableTrailingSlashMiddleware: util.GetEnvAsBool("SERVER_ECHO_ENABLE_TRAILING_SLASH_MIDDLEWARE", true),
			EnableCORSMiddleware:          util.GetEnvAsBool("SERVER_ECHO_ENABLE_CORS_MIDDLEWARE", true),
			EnableLoggerMiddleware:        util.GetEnvAsBool("SERVER_ECHO_ENABLE_LOGGER_MIDDLEWARE", true),
			EventStreamHeartbeat:          util.GetEnvAsDuration("SERVER_ECHO_EVENT_STREAM_HEARTBEAT", 15*time.Second),
		},
		Logger: LoggerServer{
			Level:              parseLevel(util.GetEnv("SERVER_LOGGER_LEVEL", "info"), zerolog.InfoLevel),
			RequestLevel:       parseLevel(util.GetEnv("SERVER_LOGGER_REQUEST_LEVEL", "debug"), zerolog.DebugLevel),
			PrettyPrintConsole: util.GetEnvAsBool("SERVER_LOGGER_PRETTY_PRINT_CONSOLE", false),
		},
		MPC: MPC{
			NodeID:        util.GetEnv("MPC_NODE_ID", "node-1"),
			Role:          util.GetEnv("MPC_NODE_ROLE", "signer"),
			GRPCPort:      util.GetEnvAsInt("MPC_GRPC_PORT", 9090),
			TLSEnabled:    util.GetEnvAsBool("MPC_TLS_ENABLED", false),
			TLSCertFile:   util.GetEnv("MPC_TLS_CERT_FILE", "certs/server.crt"),
			TLSKeyFile:    util.GetEnv("MPC_TLS_KEY_FILE", "certs/server.key"),
			TLSCACertFile: util.GetEnv("MPC_TLS_CA_CERT_FILE", "certs/ca.crt"),
			Peers:         util.GetEnvAsStringMap("MPC_PEERS", map[string]string{}),
			Transport:     util.GetEnv("MPC_TRANSPORT", "grpc"),
		},
		Session: Session{
			Timeout:           util.GetEnvAsDuration("SESSION_TIMEOUT", 30*time.Minute),
			RoundTimeout:      util.GetEnvAsDuration("SESSION_ROUND_TIMEOUT", 2*time.Minute),
			SetupTimeout:      util.GetEnvAsDuration("SESSION_SETUP_TIMEOUT", 2*time.Minute),
			RejoinWindow:      util.GetEnvAsDuration("SESSION_REJOIN_WINDOW", 2*time.Minute),
			WatchdogInterval:  util.GetEnvAsDuration("SESSION_WATCHDOG_INTERVAL", time.Second),
			Workers:           util.GetEnvAsInt("SESSION_WORKERS", 4),
			MailboxWarnSize:   util.GetEnvAsInt("SESSION_MAILBOX_WARN_SIZE", 1024),
			FinishedCacheSize: util.GetEnvAsInt("SESSION_FINISHED_CACHE_SIZE", 512),
			AutoAccept:        util.GetEnvAsBool("SESSION_AUTO_ACCEPT", false),
			PrimitiveSecret:   util.GetEnv("SESSION_PRIMITIVE_SECRET", ""),
		},
		Mesh: Mesh{
			HeartbeatInterval: util.GetEnvAsDuration("MESH_HEARTBEAT_INTERVAL", 5*time.Second),
			DeadAfter:         util.GetEnvAsDuration("MESH_DEAD_AFTER", 20*time.Second),
			ReconnectWindow:   util.GetEnvAsDuration("MESH_RECONNECT_WINDOW", time.Minute),
			LossWindow:        util.GetEnvAsInt("MESH_LOSS_WINDOW", 20),
		},
		Redis: Redis{
			Enabled:      util.GetEnvAsBool("REDIS_ENABLED", false),
			Addr:         util.GetEnv("REDIS_ADDR", "localhost:6379"),
			Password:     util.GetEnv("REDIS_PASSWORD", ""),
			DB:           util.GetEnvAsInt("REDIS_DB", 0),
			EventChannel: util.GetEnv("REDIS_EVENT_CHANNEL", "status"),
		},
		Auth: Auth{
			RejoinSecret: util.GetEnv("AUTH_REJOIN_SECRET", ""),
			Issuer:       util.GetEnv("AUTH_ISSUER", "go-mpc-mesh"),
		},
		Offline: Offline{
			ExchangeDir:  util.GetEnv("OFFLINE_EXCHANGE_DIR", "/mnt/exchange"),
			IdentityFile: util.GetEnv("OFFLINE_IDENTITY_FILE", "offline.key"),
			Recipients:   util.GetEnvAsStringMap("OFFLINE_RECIPIENTS", map[string]string{}),
			PollInterval: util.GetEnvAsDuration("OFFLINE_POLL_INTERVAL", 2*time.Second),
		},
	}
}

func parseLevel(s string, fallback zerolog.Level) zerolog.Level {
	level, err := zerolog.ParseLevel(s)
	if err != nil || s == "" {
		return fallback
	}
	return level
}
