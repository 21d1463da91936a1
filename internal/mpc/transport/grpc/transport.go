package grpc

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	"github.com/kashguard/go-mpc-mesh/internal/util/cert"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sethvargo/go-retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

const defaultDialBackoff = 200 * time.Millisecond

// Config gRPC 传输配置
type Config struct {
	NodeID        string
	ListenAddress string
	Peers         map[string]string
	TLSEnabled    bool
	TLSCertFile   string
	TLSKeyFile    string
	TLSCACertFile string
	MaxConnAge    time.Duration
	KeepAlive     time.Duration
	Timeout       time.Duration
	DialBackoff   time.Duration
	DialRetries   uint64
}

// ConfigFromServer 从服务配置构造
func ConfigFromServer(cfg config.Server) Config {
	return Config{
		NodeID:        cfg.MPC.NodeID,
		ListenAddress: net.JoinHostPort("", strconv.Itoa(cfg.MPC.GRPCPort)),
		Peers:         cfg.MPC.Peers,
		TLSEnabled:    cfg.MPC.TLSEnabled,
		TLSCertFile:   cfg.MPC.TLSCertFile,
		TLSKeyFile:    cfg.MPC.TLSKeyFile,
		TLSCACertFile: cfg.MPC.TLSCACertFile,
		MaxConnAge:    2 * time.Hour,
		KeepAlive:     30 * time.Second,
		Timeout:       10 * time.Second,
		DialBackoff:   defaultDialBackoff,
		DialRetries:   5,
	}
}

// Transport 基于 gRPC 的实时传输
type Transport struct {
	cfg Config

	mu        sync.RWMutex
	peers     map[string]string
	conns     map[string]*grpc.ClientConn
	connected map[string]bool

	server   *grpc.Server
	listener net.Listener

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once

	logger zerolog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New 创建 gRPC 传输
func New(cfg Config) *Transport {
	peers := make(map[string]string, len(cfg.Peers))
	for id, addr := range cfg.Peers {
		peers[id] = addr
	}
	return &Transport{
		cfg:       cfg,
		peers:     peers,
		conns:     make(map[string]*grpc.ClientConn),
		connected: make(map[string]bool),
		events:    make(chan transport.Event, 1024),
		done:      make(chan struct{}),
		logger:    log.With().Str("component", "grpc_transport").Str("node_id", cfg.NodeID).Logger(),
	}
}

// SetPeer 添加或更新对端地址
func (t *Transport) SetPeer(id, addr string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peers[id] = addr
}

// Addr 实际监听地址
func (t *Transport) Addr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

// serverOptions 获取gRPC服务器选项
func (t *Transport) serverOptions() ([]grpc.ServerOption, error) {
	var opts []grpc.ServerOption

	if t.cfg.TLSEnabled {
		pair, pool, err := t.loadTLS()
		if err != nil {
			return nil, err
		}
		// 双向 TLS：对端必须出示同一 CA 签发的节点证书
		opts = append(opts, grpc.Creds(credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{pair},
			ClientCAs:    pool,
			ClientAuth:   tls.RequireAndVerifyClientCert,
			MinVersion:   tls.VersionTLS12,
		})))
	}

	opts = append(opts, grpc.KeepaliveParams(keepalive.ServerParameters{
		MaxConnectionAge:      t.cfg.MaxConnAge,
		MaxConnectionAgeGrace: 30 * time.Second,
		Time:                  t.cfg.KeepAlive,
		Timeout:               20 * time.Second,
	}))

	// 防止 too_many_pings
	opts = append(opts, grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
		MinTime:             10 * time.Second,
		PermitWithoutStream: true,
	}))

	opts = append(opts,
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.ForceServerCodec(cborCodec{}),
	)

	return opts, nil
}

// loadTLS 加载节点证书和 CA，节点证书同时用于服务端与客户端认证
func (t *Transport) loadTLS() (tls.Certificate, *x509.CertPool, error) {
	pair, err := tls.LoadX509KeyPair(t.cfg.TLSCertFile, t.cfg.TLSKeyFile)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "failed to load node certificate")
	}
	caPEM, err := os.ReadFile(t.cfg.TLSCACertFile)
	if err != nil {
		return tls.Certificate{}, nil, errors.Wrap(err, "failed to read CA certificate")
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return tls.Certificate{}, nil, errors.New("failed to parse CA certificate")
	}
	return pair, pool, nil
}

// Start 启动监听，立即返回
func (t *Transport) Start(ctx context.Context) error {
	if t.cfg.TLSEnabled {
		if err := cert.VerifyTLSConfig(t.cfg.TLSCertFile, t.cfg.TLSKeyFile, t.cfg.TLSCACertFile); err != nil {
			return errors.Wrap(err, "TLS certificate verification failed")
		}
		t.logger.Info().Msg("TLS certificates verified successfully")
	}

	opts, err := t.serverOptions()
	if err != nil {
		return err
	}

	listener, err := net.Listen("tcp", t.cfg.ListenAddress)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", t.cfg.ListenAddress)
	}
	t.listener = listener

	t.server = grpc.NewServer(opts...)
	t.server.RegisterService(&serviceDesc, t)

	t.logger.Info().
		Str("address", listener.Addr().String()).
		Bool("tls", t.cfg.TLSEnabled).
		Msg("Starting mesh gRPC transport")

	go func() {
		if err := t.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.logger.Error().Err(err).Msg("Mesh gRPC transport failed")
		}
	}()

	return nil
}

// Deliver 接收对端的帧
func (t *Transport) Deliver(ctx context.Context, frame *Frame) (*Ack, error) {
	if frame.From == "" {
		return nil, status.Error(codes.InvalidArgument, "frame sender is required")
	}
	if err := t.authenticate(ctx, frame.From); err != nil {
		t.logger.Warn().Err(err).Str("claimed_sender", frame.From).Msg("Rejected frame")
		return nil, err
	}
	if frame.Hello {
		t.markConnected(frame.From)
	} else {
		t.emit(transport.Event{Type: transport.EventMessageReceived, Peer: frame.From, Data: frame.Data})
	}
	return &Ack{NodeID: t.cfg.NodeID}, nil
}

// authenticate 启用 TLS 时帧的发送方必须与客户端证书的 CommonName 一致
func (t *Transport) authenticate(ctx context.Context, from string) error {
	if !t.cfg.TLSEnabled {
		return nil
	}
	p, ok := peer.FromContext(ctx)
	if !ok {
		return status.Error(codes.Unauthenticated, "no peer information")
	}
	info, ok := p.AuthInfo.(credentials.TLSInfo)
	if !ok || len(info.State.PeerCertificates) == 0 {
		return status.Error(codes.Unauthenticated, "client certificate required")
	}
	if cn := info.State.PeerCertificates[0].Subject.CommonName; cn != from {
		return status.Errorf(codes.PermissionDenied, "sender %s does not match certificate %s", from, cn)
	}
	return nil
}

// Send 发送失败时上报断开
func (t *Transport) Send(ctx context.Context, peer string, data []byte) error {
	if err := t.invoke(ctx, peer, &Frame{From: t.cfg.NodeID, Data: data}); err != nil {
		t.markDisconnected(peer)
		return err
	}
	return nil
}

func (t *Transport) Broadcast(ctx context.Context, peers []string, data []byte) error {
	return transport.BroadcastEach(ctx, t, peers, data)
}

// Connect 后台以指数退避握手，结果通过事件上报
func (t *Transport) Connect(ctx context.Context, peer string) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	t.mu.RLock()
	_, known := t.peers[peer]
	connected := t.connected[peer]
	t.mu.RUnlock()
	if !known {
		return errors.Wrapf(transport.ErrPeerUnreachable, "no address for %s", peer)
	}
	if connected {
		return nil
	}

	go func() {
		if err := t.handshake(peer); err != nil {
			t.logger.Warn().Err(err).Str("peer_id", peer).Msg("Failed to establish link")
			t.markDisconnected(peer)
		}
	}()
	return nil
}

func (t *Transport) handshake(peer string) error {
	base := t.cfg.DialBackoff
	if base <= 0 {
		base = defaultDialBackoff
	}
	backoff := retry.WithMaxRetries(t.cfg.DialRetries, retry.NewExponential(base))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-t.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	attempts := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempts++
		if err := t.invoke(ctx, peer, &Frame{From: t.cfg.NodeID, Hello: true}); err != nil {
			t.logger.Debug().Err(err).Str("peer_id", peer).Int("attempt", attempts).Msg("Handshake attempt failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "handshake with %s failed after %d attempts", peer, attempts)
	}
	t.markConnected(peer)
	return nil
}

func (t *Transport) invoke(ctx context.Context, peer string, frame *Frame) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	conn, err := t.getOrCreateConnection(peer)
	if err != nil {
		return err
	}
	callCtx, cancel := context.WithTimeout(ctx, t.cfg.Timeout)
	defer cancel()

	ack := new(Ack)
	if err := conn.Invoke(callCtx, deliverMethod, frame, ack); err != nil {
		return errors.Wrapf(transport.ErrPeerUnreachable, "deliver to %s: %v", peer, err)
	}
	return nil
}

// getOrCreateConnection 获取或创建到指定节点的连接
func (t *Transport) getOrCreateConnection(peer string) (*grpc.ClientConn, error) {
	t.mu.RLock()
	conn, ok := t.conns[peer]
	addr, known := t.peers[peer]
	t.mu.RUnlock()
	if ok {
		return conn, nil
	}
	if !known {
		return nil, errors.Wrapf(transport.ErrPeerUnreachable, "no address for %s", peer)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	// 双重检查
	if conn, ok := t.conns[peer]; ok {
		return conn, nil
	}

	var opts []grpc.DialOption
	if t.cfg.TLSEnabled {
		pair, pool, err := t.loadTLS()
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{
			Certificates: []tls.Certificate{pair},
			RootCAs:      pool,
			MinVersion:   tls.VersionTLS12,
		})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}

	opts = append(opts,
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                t.cfg.KeepAlive,
			Timeout:             t.cfg.Timeout,
			PermitWithoutStream: true,
		}),
		grpc.WithDefaultCallOptions(
			grpc.ForceCodec(cborCodec{}),
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	)

	t.logger.Debug().Str("peer_id", peer).Str("endpoint", addr).Msg("Dialing mesh peer")
	conn, err := grpc.NewClient(addr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to connect to node %s at %s", peer, addr)
	}
	t.conns[peer] = conn
	return conn, nil
}

func (t *Transport) markConnected(peer string) {
	t.mu.Lock()
	already := t.connected[peer]
	t.connected[peer] = true
	t.mu.Unlock()

	if !already {
		t.logger.Info().Str("peer_id", peer).Msg("Link established")
		t.emit(transport.Event{Type: transport.EventPeerConnected, Peer: peer})
	}
}

func (t *Transport) markDisconnected(peer string) {
	t.mu.Lock()
	was := t.connected[peer]
	delete(t.connected, peer)
	t.mu.Unlock()

	if was {
		t.logger.Warn().Str("peer_id", peer).Msg("Link lost")
		t.emit(transport.Event{Type: transport.EventPeerDisconnected, Peer: peer})
	}
}

// Disconnect 由连接监控判定对端失联后调用
func (t *Transport) Disconnect(peer string) {
	t.markDisconnected(peer)
}

func (t *Transport) Events() <-chan transport.Event {
	return t.events
}

func (t *Transport) emit(ev transport.Event) {
	select {
	case t.events <- ev:
	case <-t.done:
	}
}

func (t *Transport) isClosed() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Close 关闭所有连接并停止服务
func (t *Transport) Close() error {
	var result *multierror.Error
	t.closeOnce.Do(func() {
		close(t.done)

		t.logger.Info().Msg("Stopping mesh gRPC transport")
		if t.server != nil {
			t.server.GracefulStop()
		}

		t.mu.Lock()
		defer t.mu.Unlock()
		for peer, conn := range t.conns {
			if err := conn.Close(); err != nil {
				result = multierror.Append(result, errors.Wrapf(err, "failed to close connection to node %s", peer))
			}
		}
		t.conns = make(map[string]*grpc.ClientConn)
	})
	return result.ErrorOrNil()
}
