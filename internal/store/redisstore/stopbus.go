// Package redisstore carries stop requests between server processes over
// redis pub/sub, so a stop reaches whichever process owns the generation.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/suPer8Hu/branchchat/internal/logger"
)

type stopMessage struct {
	ConversationID string `json:"conversation_id"`
	// Origin lets a process ignore its own broadcasts.
	Origin string `json:"origin"`
}

type StopBus struct {
	log     *logger.Logger
	rdb     *goredis.Client
	channel string
	origin  string
}

type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
	// Origin identifies this process on the bus.
	Origin string
}

func NewStopBus(ctx context.Context, opts Options, log *logger.Logger) (*StopBus, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, fmt.Errorf("redis addr required")
	}
	if log == nil {
		log = logger.Nop()
	}
	ch := strings.TrimSpace(opts.Channel)
	if ch == "" {
		ch = "chat:generation:stop"
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: 5 * time.Second,
	})
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &StopBus{
		log:     log.With("service", "StopBus"),
		rdb:     rdb,
		channel: ch,
		origin:  opts.Origin,
	}, nil
}

func (b *StopBus) PublishStop(ctx context.Context, conversationID string) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("stop bus not initialized")
	}
	raw, err := encodeStop(conversationID, b.origin)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// ForwardStops subscribes to the bus and calls onStop for every stop published
// by another process. It returns once the subscription is live; forwarding
// continues until ctx ends.
func (b *StopBus) ForwardStops(ctx context.Context, onStop func(conversationID string)) error {
	if b == nil || b.rdb == nil {
		return fmt.Errorf("stop bus not initialized")
	}
	if onStop == nil {
		return fmt.Errorf("onStop callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					return
				}
				convID, fromSelf, err := decodeStop(m.Payload, b.origin)
				if err != nil {
					b.log.Warn("bad stop payload", "error", err)
					continue
				}
				if fromSelf {
					continue
				}
				onStop(convID)
			}
		}
	}()
	return nil
}

func (b *StopBus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

func encodeStop(conversationID, origin string) ([]byte, error) {
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return nil, fmt.Errorf("conversation id required")
	}
	return json.Marshal(stopMessage{ConversationID: conversationID, Origin: origin})
}

func decodeStop(payload, origin string) (string, bool, error) {
	var m stopMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return "", false, err
	}
	if m.ConversationID == "" {
		return "", false, fmt.Errorf("conversation id missing")
	}
	return m.ConversationID, origin != "" && m.Origin == origin, nil
}
