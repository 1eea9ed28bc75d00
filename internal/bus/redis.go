package bus

import (
	"context"
	"encoding/json"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"
)

const channelPrefix = "planloom:project:"

// RedisBus bridges change events across API nodes over Redis pub/sub.
// Publish goes to Redis; a background loop feeds everything received back
// into a local Bus, so the publishing node and its peers deliver the same
// stream. Local subscriptions are served by the embedded Bus.
type RedisBus struct {
	client *redis.Client
	local  *Bus
	pubsub *redis.PubSub
}

func NewRedisBus(ctx context.Context, client *redis.Client) *RedisBus {
	b := &RedisBus{
		client: client,
		local:  New(),
		pubsub: client.PSubscribe(ctx, channelPrefix+"*"),
	}
	go b.receive()
	return b
}

func (b *RedisBus) Publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("bus: marshal event: %v", err)
		return
	}
	if err := b.client.Publish(context.Background(), channelPrefix+event.ProjectID, payload).Err(); err != nil {
		log.Printf("bus: redis publish: %v", err)
	}
}

func (b *RedisBus) Subscribe(projectID string) (<-chan Event, func()) {
	return b.local.Subscribe(projectID)
}

func (b *RedisBus) receive() {
	for msg := range b.pubsub.Channel() {
		var event Event
		if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
			log.Printf("bus: decode event: %v", err)
			continue
		}
		if event.ProjectID == "" {
			event.ProjectID = strings.TrimPrefix(msg.Channel, channelPrefix)
		}
		b.local.Publish(event)
	}
}

// Close stops the Redis subscription; local subscriber channels stay open
// but receive no further events.
func (b *RedisBus) Close() error {
	return b.pubsub.Close()
}
