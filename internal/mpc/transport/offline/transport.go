package offline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"filippo.io/age"
	"github.com/dropbox/godropbox/time2"
	"github.com/kashguard/go-mpc-mesh/internal/config"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/transport"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.uber.org/atomic"
)

const bundleExt = ".age"

// bundle 加密前的消息
type bundle struct {
	From string `cbor:"1,keyasint"`
	Data []byte `cbor:"2,keyasint"`
}

// Config 离线传输配置
type Config struct {
	NodeID       string
	ExchangeDir  string
	Identity     *age.X25519Identity
	Recipients   map[string]string
	PollInterval time.Duration
}

// ConfigFromServer 从服务配置构造，需要读取身份文件
func ConfigFromServer(cfg config.Server) (Config, error) {
	identity, err := LoadIdentity(cfg.Offline.IdentityFile)
	if err != nil {
		return Config{}, err
	}
	return Config{
		NodeID:       cfg.MPC.NodeID,
		ExchangeDir:  cfg.Offline.ExchangeDir,
		Identity:     identity,
		Recipients:   cfg.Offline.Recipients,
		PollInterval: cfg.Offline.PollInterval,
	}, nil
}

// Transport 通过共享目录交换 age 加密文件的离线传输
// 每个节点只读取 <dir>/<node_id>/ 下的文件，处理后删除。
type Transport struct {
	cfg        Config
	recipients map[string]age.Recipient
	clock      time2.Clock
	seq        atomic.Uint64

	events    chan transport.Event
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	logger zerolog.Logger
}

var _ transport.Transport = (*Transport)(nil)

// New 创建离线传输
func New(cfg Config, clock time2.Clock) (*Transport, error) {
	if cfg.Identity == nil {
		return nil, errors.New("age identity is required")
	}
	recipients := make(map[string]age.Recipient, len(cfg.Recipients))
	for id, key := range cfg.Recipients {
		r, err := age.ParseX25519Recipient(key)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid age recipient for %s", id)
		}
		recipients[id] = r
	}
	if err := os.MkdirAll(filepath.Join(cfg.ExchangeDir, cfg.NodeID), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create inbox")
	}

	return &Transport{
		cfg:        cfg,
		recipients: recipients,
		clock:      clock,
		events:     make(chan transport.Event, 1024),
		done:       make(chan struct{}),
		logger:     log.With().Str("component", "offline_transport").Str("node_id", cfg.NodeID).Logger(),
	}, nil
}

// Start 启动轮询
func (t *Transport) Start(ctx context.Context) {
	interval := t.cfg.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.done:
				return
			case <-ticker.C:
				if _, err := t.Poll(); err != nil {
					t.logger.Warn().Err(err).Msg("Failed to poll inbox")
				}
			}
		}
	}()
}

func (t *Transport) inbox(node string) string {
	return filepath.Join(t.cfg.ExchangeDir, node)
}

// Send 加密后写入对端收件箱
func (t *Transport) Send(ctx context.Context, peer string, data []byte) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	recipient, ok := t.recipients[peer]
	if !ok {
		return errors.Wrapf(transport.ErrPeerUnreachable, "no age recipient for %s", peer)
	}

	plain, err := transport.Marshal(&bundle{From: t.cfg.NodeID, Data: data})
	if err != nil {
		return err
	}
	sealed, err := encrypt(recipient, plain)
	if err != nil {
		return err
	}

	dir := t.inbox(peer)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return errors.Wrap(err, "failed to create peer inbox")
	}
	name := fmt.Sprintf("%020d-%s-%06d%s", t.clock.Now().UnixNano(), t.cfg.NodeID, t.seq.Inc(), bundleExt)
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return errors.Wrap(err, "failed to write bundle")
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		return errors.Wrap(err, "failed to publish bundle")
	}
	return nil
}

func (t *Transport) Broadcast(ctx context.Context, peers []string, data []byte) error {
	return transport.BroadcastEach(ctx, t, peers, data)
}

// Connect 离线链路在对端公钥已知时即视为已连接
func (t *Transport) Connect(ctx context.Context, peer string) error {
	if t.isClosed() {
		return transport.ErrClosed
	}
	if _, ok := t.recipients[peer]; !ok {
		return errors.Wrapf(transport.ErrPeerUnreachable, "no age recipient for %s", peer)
	}
	t.emit(transport.Event{Type: transport.EventPeerConnected, Peer: peer})
	return nil
}

// Poll 处理收件箱中的所有文件，返回处理的数量
func (t *Transport) Poll() (int, error) {
	entries, err := os.ReadDir(t.inbox(t.cfg.NodeID))
	if err != nil {
		return 0, errors.Wrap(err, "failed to read inbox")
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !strings.HasSuffix(entry.Name(), bundleExt) {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	processed := 0
	for _, name := range names {
		path := filepath.Join(t.inbox(t.cfg.NodeID), name)
		if err := t.consume(path); err != nil {
			t.logger.Warn().Err(err).Str("file", name).Msg("Discarding unreadable bundle")
		} else {
			processed++
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return processed, errors.Wrap(err, "failed to remove bundle")
		}
	}
	return processed, nil
}

func (t *Transport) consume(path string) error {
	sealed, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "failed to read bundle")
	}
	plain, err := decrypt(t.cfg.Identity, sealed)
	if err != nil {
		return err
	}
	var b bundle
	if err := transport.Unmarshal(plain, &b); err != nil {
		return err
	}
	if _, ok := t.recipients[b.From]; !ok {
		return errors.Errorf("bundle from unknown sender %s", b.From)
	}
	t.emit(transport.Event{Type: transport.EventMessageReceived, Peer: b.From, Data: b.Data})
	return nil
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

func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.done)
	})
	t.wg.Wait()
	return nil
}

// PendingBundle 收件箱中尚未处理的文件
type PendingBundle struct {
	Name    string
	Size    int64
	ModTime time.Time
}

// Pending 列出节点收件箱中待处理的文件，不解密、不删除
func Pending(exchangeDir, nodeID string) ([]PendingBundle, error) {
	entries, err := os.ReadDir(filepath.Join(exchangeDir, nodeID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to read inbox")
	}

	var pending []PendingBundle
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") || !strings.HasSuffix(entry.Name(), bundleExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		pending = append(pending, PendingBundle{Name: entry.Name(), Size: info.Size(), ModTime: info.ModTime()})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Name < pending[j].Name })
	return pending, nil
}
