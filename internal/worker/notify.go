package worker

import (
	"context"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"mnemo/internal/models"
)

// SearchNotifier is told when an attachment's text becomes eligible for indexing.
type SearchNotifier interface {
	AttachmentExtracted(ctx context.Context, attachment *models.Attachment)
}

// LogSearchNotifier only logs eligibility.
type LogSearchNotifier struct {
	Logger *slog.Logger
}

func (n LogSearchNotifier) AttachmentExtracted(ctx context.Context, attachment *models.Attachment) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	textLen := 0
	if attachment.ExtractedText != nil {
		textLen = len(*attachment.ExtractedText)
	}
	logger.Info("attachment eligible for search",
		"attachment_id", attachment.ID,
		"note_id", attachment.NoteID,
		"text_bytes", textLen,
	)
}

// Waker wakes idle workers when new jobs are enqueued.
type Waker interface {
	Wake(ctx context.Context)
	C() <-chan struct{}
	Close() error
}

// ChanWaker wakes workers in the same process.
type ChanWaker struct {
	ch chan struct{}
}

func NewChanWaker() *ChanWaker {
	return &ChanWaker{ch: make(chan struct{}, 1)}
}

func (w *ChanWaker) Wake(ctx context.Context) {
	select {
	case w.ch <- struct{}{}:
	default:
	}
}

func (w *ChanWaker) C() <-chan struct{} { return w.ch }

func (w *ChanWaker) Close() error { return nil }

// RedisWaker fans wake-ups out to workers in other processes over a Redis
// pub/sub channel. Local wakes are delivered directly as well.
type RedisWaker struct {
	client  *redis.Client
	channel string
	pubsub  *redis.PubSub
	local   *ChanWaker
	logger  *slog.Logger
	once    sync.Once
	done    chan struct{}
}

// NewRedisWaker connects to url and subscribes to channel.
func NewRedisWaker(ctx context.Context, url, channel string, logger *slog.Logger) (*RedisWaker, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := client.Subscribe(ctx, channel)
	// Wait for the subscription so wakes published right after this returns
	// are not missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		_ = client.Close()
		return nil, err
	}
	w := &RedisWaker{
		client:  client,
		channel: channel,
		pubsub:  pubsub,
		local:   NewChanWaker(),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go w.forward()
	return w, nil
}

func (w *RedisWaker) forward() {
	msgs := w.pubsub.Channel()
	for {
		select {
		case <-w.done:
			return
		case _, ok := <-msgs:
			if !ok {
				return
			}
			w.local.Wake(context.Background())
		}
	}
}

func (w *RedisWaker) Wake(ctx context.Context) {
	w.local.Wake(ctx)
	if err := w.client.Publish(ctx, w.channel, "job").Err(); err != nil {
		w.logger.Warn("redis wake publish failed", "channel", w.channel, "error", err)
	}
}

func (w *RedisWaker) C() <-chan struct{} { return w.local.C() }

func (w *RedisWaker) Close() error {
	var err error
	w.once.Do(func() {
		close(w.done)
		_ = w.pubsub.Close()
		err = w.client.Close()
	})
	return err
}
