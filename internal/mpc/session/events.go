package session

import (
	"context"
	"sync"
	"time"

	"github.com/kashguard/go-mpc-mesh/internal/mpc/storage"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const sinkBuffer = 256

// bus 状态事件分发：本地订阅者非阻塞投递，可选地外发到 Redis 频道
type bus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan StatusEvent
	closed bool

	sink    storage.Publisher
	channel string
	queue   chan StatusEvent
	wg      sync.WaitGroup

	logger zerolog.Logger
}

func newBus(sink storage.Publisher, channel string) *bus {
	b := &bus{
		subs:    make(map[int]chan StatusEvent),
		sink:    sink,
		channel: channel,
		logger:  log.With().Str("component", "status_bus").Logger(),
	}
	if sink != nil && channel != "" {
		b.queue = make(chan StatusEvent, sinkBuffer)
		b.wg.Add(1)
		go b.forward()
	}
	return b
}

// subscribe 返回事件通道和取消函数；慢订阅者会丢失事件
func (b *bus) subscribe(buffer int) (<-chan StatusEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan StatusEvent, buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(ch)
			}
		})
	}
}

func (b *bus) publish(ev StatusEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn().Int("subscriber", id).Str("session_id", ev.SessionID).Msg("Subscriber is lagging, dropped status event")
		}
	}

	if b.queue == nil {
		return
	}
	select {
	case b.queue <- ev:
	default:
		b.logger.Warn().Str("session_id", ev.SessionID).Msg("Status event sink is full, dropped event")
	}
}

func (b *bus) forward() {
	defer b.wg.Done()
	for ev := range b.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if err := b.sink.PublishMessage(ctx, b.channel, ev); err != nil {
			b.logger.Error().Err(err).Str("session_id", ev.SessionID).Msg("Failed to publish status event")
		}
		cancel()
	}
}

func (b *bus) close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
	b.mu.Unlock()

	if b.queue != nil {
		close(b.queue)
		b.wg.Wait()
	}
}
