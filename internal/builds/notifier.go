package builds

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/promptsmith/backend/internal/models"
)

// Notifier fans out "build changed" signals to pollers and subscribers. Signals carry no
// state: receivers re-read the build, so a lost or duplicated signal is harmless.
type Notifier interface {
	Publish(ctx context.Context, b *models.Build) error
	Subscribe(ctx context.Context, id uuid.UUID) (<-chan struct{}, func())
}

func channelName(id uuid.UUID) string { return "build:" + id.String() }

// RedisNotifier delivers signals across instances over Redis pub/sub.
type RedisNotifier struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisNotifier(client *redis.Client, log *slog.Logger) *RedisNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &RedisNotifier{client: client, log: log}
}

func (n *RedisNotifier) Publish(ctx context.Context, b *models.Build) error {
	return n.client.Publish(ctx, channelName(b.ID), string(b.Status)).Err()
}

func (n *RedisNotifier) Subscribe(ctx context.Context, id uuid.UUID) (<-chan struct{}, func()) {
	ps := n.client.Subscribe(ctx, channelName(id))
	out := make(chan struct{}, 1)
	done := make(chan struct{})
	go func() {
		msgs := ps.Channel()
		for {
			select {
			case <-done:
				return
			case _, ok := <-msgs:
				if !ok {
					return
				}
				select {
				case out <- struct{}{}:
				default:
				}
			}
		}
	}()
	var once sync.Once
	return out, func() {
		once.Do(func() {
			close(done)
			if err := ps.Close(); err != nil {
				n.log.Debug("Close build subscription", "error", err, "build_id", id)
			}
		})
	}
}

// LocalNotifier delivers signals within one process. Used when Redis is not configured.
type LocalNotifier struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[chan struct{}]struct{}
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[uuid.UUID]map[chan struct{}]struct{})}
}

func (n *LocalNotifier) Publish(_ context.Context, b *models.Build) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[b.ID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	return nil
}

func (n *LocalNotifier) Subscribe(_ context.Context, id uuid.UUID) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[id] == nil {
		n.subs[id] = make(map[chan struct{}]struct{})
	}
	n.subs[id][ch] = struct{}{}
	n.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs[id], ch)
			if len(n.subs[id]) == 0 {
				delete(n.subs, id)
			}
			n.mu.Unlock()
		})
	}
}
