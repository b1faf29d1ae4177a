package relay

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Bus fans frames out to other relay instances serving the same
// document. Publish hands a frame to every other instance; Subscribe
// yields the frames other instances published for one document.
type Bus interface {
	Publish(ctx context.Context, documentID string, frame []byte) error
	Subscribe(ctx context.Context, documentID string) (<-chan []byte, func())
}

// busEnvelope wraps published frames with the sending instance id so
// subscribers can drop their own traffic.
type busEnvelope struct {
	Instance string          `json:"instance"`
	Frame    json.RawMessage `json:"frame"`
}

// RedisBus implements Bus over redis pub/sub, one channel per
// document.
type RedisBus struct {
	client   *redis.Client
	instance string
	log      zerolog.Logger
}

// NewRedisBus connects to redis. When redis is unreachable it returns
// nil and the relay runs single-instance.
func NewRedisBus(address string, logger zerolog.Logger) *RedisBus {
	client := redis.NewClient(&redis.Options{
		Addr: address,
	})
	if _, err := client.Ping(context.Background()).Result(); err != nil {
		logger.Warn().Err(err).Msg("Redis not available. Running without Redis.")
		client.Close()
		return nil
	}
	logger.Info().Str("address", address).Msg("Redis connected successfully.")

	return &RedisBus{
		client:   client,
		instance: uuid.NewString(),
		log:      logger,
	}
}

func channelFor(documentID string) string { return "doc:" + documentID }

func (b *RedisBus) Publish(ctx context.Context, documentID string, frame []byte) error {
	payload, err := json.Marshal(busEnvelope{Instance: b.instance, Frame: frame})
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, channelFor(documentID), payload).Err()
}

// Subscribe returns a channel of frames other instances published for
// the document, plus a cancel func that tears the subscription down
// and closes the channel.
func (b *RedisBus) Subscribe(ctx context.Context, documentID string) (<-chan []byte, func()) {
	pubsub := b.client.Subscribe(ctx, channelFor(documentID))
	out := make(chan []byte, 64)

	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			var env busEnvelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				b.log.Warn().Err(err).Str("doc", documentID).Msg("malformed bus frame")
				continue
			}
			if env.Instance == b.instance {
				continue
			}
			select {
			case out <- env.Frame:
			default:
				b.log.Warn().Str("doc", documentID).Msg("bus subscriber lagging, dropping frame")
			}
		}
	}()

	return out, func() { pubsub.Close() }
}

func (b *RedisBus) Close() error { return b.client.Close() }
