package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"boardcraft/internal/codec"
)

// DefaultChannelPrefix namespaces room channels in Redis.
const DefaultChannelPrefix = "boardcraft:room:"

const redisOutboxSize = 4096

type redisMessage struct {
	channel string
	payload []byte
}

// RedisBus is a Bus over Redis pub/sub. Publishes are queued and sent by
// a single worker so callers never wait on the network.
type RedisBus struct {
	client *redis.Client
	prefix string
	logger *slog.Logger

	outbox chan redisMessage
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewRedisBus starts a bus on client. The caller keeps ownership of
// client and closes it after Close.
func NewRedisBus(client *redis.Client, logger *slog.Logger) *RedisBus {
	b := &RedisBus{
		client: client,
		prefix: DefaultChannelPrefix,
		logger: logger,
		outbox: make(chan redisMessage, redisOutboxSize),
	}
	b.wg.Add(1)
	go b.publishLoop()
	return b
}

func (b *RedisBus) channel(room string) string { return b.prefix + room }

// Publish queues envelope for room.
func (b *RedisBus) Publish(room string, envelope Envelope) {
	payload, err := codec.Marshal(envelope)
	if err != nil {
		b.logger.Error("encode bus envelope", "room", room, "error", err)
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	select {
	case b.outbox <- redisMessage{channel: b.channel(room), payload: payload}:
	default:
		b.logger.Warn("redis outbox full, dropping envelope", "room", room)
	}
}

// Subscribe listens on the room's channel until cancel is called.
func (b *RedisBus) Subscribe(room string, deliver func(Envelope)) (func(), error) {
	ctx, cancelReceive := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelReceive()

	pubsub := b.client.Subscribe(ctx, b.channel(room))
	// Wait for the subscription confirmation so frames published right
	// after Subscribe returns are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe to %s: %w", b.channel(room), err)
	}

	go func() {
		for msg := range pubsub.Channel() {
			var envelope Envelope
			if err := codec.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
				b.logger.Warn("dropping malformed bus envelope", "room", room, "error", err)
				continue
			}
			deliver(envelope)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				b.logger.Warn("close redis subscription", "room", room, "error", err)
			}
		})
	}, nil
}

// Close flushes queued publishes and stops the worker.
func (b *RedisBus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.outbox)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *RedisBus) publishLoop() {
	defer b.wg.Done()
	for msg := range b.outbox {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := b.client.Publish(ctx, msg.channel, msg.payload).Err()
		cancel()
		if err != nil {
			b.logger.Error("redis publish failed", "channel", msg.channel, "error", err)
		}
	}
}
