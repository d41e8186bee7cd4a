// Package push carries room assignments from the scheduler to each user's
// long-lived push subscription. Fan-out is by per-user topic over Redis
// Pub/Sub; delivery is asynchronous and at-most-once per subscriber.
package push

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// TypeSendRoomID is the message type for a room assignment.
const TypeSendRoomID = "send_room_id"

// topicPrefix namespaces the per-user channels.
const topicPrefix = "user_queue_"

// RoomAssignment is the wire schema delivered to matched users.
type RoomAssignment struct {
	Type   string `json:"type"`
	RoomID int64  `json:"room_id"`
}

// Topic returns the per-user push topic.
func Topic(userID int64) string {
	return fmt.Sprintf("%s%d", topicPrefix, userID)
}

// PubSubClient is the minimal pub/sub surface the bus needs. Publish and
// Subscribe have different usage patterns, so implementations may back them
// with separate connections.
type PubSubClient interface {
	Publish(ctx context.Context, channel string, message []byte) error
	// Subscribe registers a handler for messages on a channel and returns
	// an unsubscribe function.
	Subscribe(ctx context.Context, channel string, handler func([]byte)) (unsubscribe func(), err error)
}

// Bus publishes and subscribes room assignments on per-user topics.
type Bus struct {
	client PubSubClient
}

// NewBus creates a bus over the given pub/sub client.
func NewBus(client PubSubClient) *Bus {
	return &Bus{client: client}
}

// PublishRoomAssignment sends one user their room id. A failure affects
// only that user; callers log and skip.
func (b *Bus) PublishRoomAssignment(ctx context.Context, userID, roomID int64) error {
	msg := RoomAssignment{Type: TypeSendRoomID, RoomID: roomID}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal room assignment: %w", err)
	}
	if err := b.client.Publish(ctx, Topic(userID), data); err != nil {
		return fmt.Errorf("publish to %s: %w", Topic(userID), err)
	}
	return nil
}

// SubscribeUser attaches a handler to a user's topic. Messages that do not
// decode as room assignments are dropped with a warning.
func (b *Bus) SubscribeUser(ctx context.Context, userID int64, handler func(RoomAssignment)) (func(), error) {
	unsub, err := b.client.Subscribe(ctx, Topic(userID), func(data []byte) {
		var msg RoomAssignment
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("[PushBus] Dropping undecodable message", "topic", Topic(userID), "error", err)
			return
		}
		handler(msg)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", Topic(userID), err)
	}
	return unsub, nil
}
