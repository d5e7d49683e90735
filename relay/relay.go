// Package relay fans broadcasts out across several servers over Redis
// pub/sub. Every node runs a Relay subscribed to the same channel; a message
// published by any node is broadcast to the local sessions of every node,
// including the publisher.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cyberinferno/securesocket/logger"
	"github.com/cyberinferno/securesocket/tlsserver"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNoClient           = errors.New("relay: redis client is nil")
	ErrNoChannel          = errors.New("relay: channel is empty")
	ErrSubscriptionClosed = errors.New("relay: subscription closed")
)

// Broadcaster is the local side of the relay, normally a *tlsserver.Server.
type Broadcaster interface {
	Broadcast(text string) tlsserver.BroadcastResult
}

// Envelope is the JSON document published on the channel.
type Envelope struct {
	Origin string    `json:"origin"`
	Text   string    `json:"text"`
	SentAt time.Time `json:"sent_at"`
}

// Relay connects one Broadcaster to a Redis channel.
type Relay struct {
	client  *redis.Client
	channel string
	origin  string
	target  Broadcaster
	log     logger.Logger
}

// New creates a Relay.
//
// Parameters:
//   - client: Redis client used for both publishing and subscribing
//   - channel: Pub/sub channel shared by every node
//   - origin: Name of this node, recorded in published envelopes
//   - target: Receives every message published on the channel
//   - log: Logger; nil discards log output
//
// Returns:
//   - A new *Relay, or ErrNoClient / ErrNoChannel
func New(client *redis.Client, channel, origin string, target Broadcaster, log logger.Logger) (*Relay, error) {
	if client == nil {
		return nil, ErrNoClient
	}
	if channel == "" {
		return nil, ErrNoChannel
	}

	return &Relay{
		client:  client,
		channel: channel,
		origin:  origin,
		target:  target,
		log:     logger.OrNop(log).With(logger.Field{Key: "channel", Value: channel}),
	}, nil
}

// Publish sends text to every node subscribed to the channel.
func (r *Relay) Publish(ctx context.Context, text string) error {
	payload, err := Encode(Envelope{Origin: r.origin, Text: text, SentAt: time.Now()})
	if err != nil {
		return err
	}

	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("relay: publish: %w", err)
	}
	return nil
}

// Run subscribes to the channel and broadcasts every message it receives
// until ctx is done.
//
// Returns:
//   - nil when ctx is done
//   - The subscribe error, or ErrSubscriptionClosed if Redis closed the
//     subscription
func (r *Relay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("relay: subscribe: %w", err)
	}
	r.log.Info("relay subscribed")

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return ErrSubscriptionClosed
			}
			r.Handle(msg.Payload)
		}
	}
}

// Handle decodes one payload and broadcasts it locally. Malformed payloads
// are logged and dropped.
func (r *Relay) Handle(payload string) {
	env, err := Decode(payload)
	if err != nil {
		r.log.Warn("dropping malformed relay message", logger.Field{Key: "error", Value: err.Error()})
		return
	}

	if r.target == nil {
		return
	}

	res := r.target.Broadcast(env.Text)
	r.log.Debug("relayed broadcast",
		logger.Field{Key: "origin", Value: env.Origin},
		logger.Field{Key: "sent", Value: res.Sent},
		logger.Field{Key: "attempted", Value: res.Attempted},
	)
}

// Encode marshals an envelope for publishing.
func Encode(env Envelope) (string, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("relay: encode: %w", err)
	}
	return string(b), nil
}

// Decode unmarshals a published envelope.
func Decode(payload string) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return Envelope{}, fmt.Errorf("relay: decode: %w", err)
	}
	return env, nil
}
