// Package events is the pub/sub event bus used to fan domain events out to
// live websocket sessions. Channels are plain Redis pub/sub channels; names
// are derived deterministically so publishers and subscribers agree without
// any shared state. Publishing is fire-and-forget: no acknowledgement, no
// retry, no cross-channel ordering.
package events

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/pkg/json"
	"github.com/lapis-chat/lapis/pkg/redis"
)

// ChannelPrefix starts every event channel name. Subscribers derive the
// client-facing event name from the part between the prefix and the colon.
const ChannelPrefix = "event_"

// Bus publishes domain events and hands out subscription handles.
type Bus struct {
	client *redis.Client
	log    *zap.Logger
}

// NewBus creates a new event bus on top of the shared Redis client.
func NewBus(client *redis.Client, log *zap.Logger) *Bus {
	return &Bus{
		client: client,
		log:    log.With(zap.String("module", "events")),
	}
}

func applyScheme(scheme string, values ...string) string {
	return ChannelPrefix + scheme + ":" + strings.Join(values, ",")
}

// EventName derives the logical event name from a channel name: the scheme
// with its prefix stripped, upper-cased. For example
// "event_user_update:1234" becomes "USER_UPDATE".
func EventName(channel string) string {
	scheme, _, _ := strings.Cut(channel, ":")
	return strings.ToUpper(strings.TrimPrefix(scheme, ChannelPrefix))
}

// Publish serializes payload and publishes it on the given channel.
func (b *Bus) Publish(ctx context.Context, channel string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event payload: %w", err)
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		b.log.Error("failed to publish event", zap.String("channel", channel), zap.Error(err))
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Subscribe returns a dedicated pub/sub handle subscribed to the given
// channels. The handle is owned by the caller and must be closed by it; it is
// independent of the client's regular command connection.
func (b *Bus) Subscribe(ctx context.Context, channels ...string) *goredis.PubSub {
	return b.client.Subscribe(ctx, channels...)
}

// --- User events ---

// ChannelUserUpdate is the channel that receives an event whenever the user
// with the given id is updated.
func ChannelUserUpdate(userID string) string {
	return applyScheme("user_update", userID)
}

// ChannelUserDelete is the channel that receives an event whenever the user
// with the given id is deleted.
func ChannelUserDelete(userID string) string {
	return applyScheme("user_delete", userID)
}

// DispatchUserUpdate publishes the updated user on its user_update channel.
func (b *Bus) DispatchUserUpdate(ctx context.Context, user models.User) error {
	return b.Publish(ctx, ChannelUserUpdate(user.ID.String()), user)
}

// DispatchUserDelete publishes a deletion notice on the user's user_delete channel.
func (b *Bus) DispatchUserDelete(ctx context.Context, userID string) error {
	return b.Publish(ctx, ChannelUserDelete(userID), map[string]string{"user_id": userID})
}

// --- Friend events ---

// ChannelFriendCreate is the channel that receives an event whenever the user
// with the given id gains a friend, whichever side accepted the request.
func ChannelFriendCreate(userID string) string {
	return applyScheme("friend_create", userID)
}

// ChannelFriendDelete is the channel that receives an event whenever the user
// with the given id unfriends or is unfriended by another user.
func ChannelFriendDelete(userID string) string {
	return applyScheme("friend_delete", userID)
}

// DispatchFriendCreate publishes FRIEND_CREATE to both endpoints of the new
// friendship, each payload carrying the other party's id.
func (b *Bus) DispatchFriendCreate(ctx context.Context, operatingUserID, targetID string) error {
	if err := b.Publish(ctx, ChannelFriendCreate(operatingUserID), map[string]string{"user_id": targetID}); err != nil {
		return err
	}
	return b.Publish(ctx, ChannelFriendCreate(targetID), map[string]string{"user_id": operatingUserID})
}

// DispatchFriendDelete publishes FRIEND_DELETE to both endpoints of the
// removed friendship, each payload carrying the other party's id.
func (b *Bus) DispatchFriendDelete(ctx context.Context, operatingUserID, targetID string) error {
	if err := b.Publish(ctx, ChannelFriendDelete(operatingUserID), map[string]string{"user_id": targetID}); err != nil {
		return err
	}
	return b.Publish(ctx, ChannelFriendDelete(targetID), map[string]string{"user_id": operatingUserID})
}

// --- Friend request events ---

// ChannelFriendRequestReceive is the channel that receives an event whenever
// the user with the given id receives an incoming friend request.
func ChannelFriendRequestReceive(recipientID string) string {
	return applyScheme("friend_request_receive", recipientID)
}

// DispatchFriendRequestReceive publishes the request to its recipient, shaped
// from the recipient's perspective.
func (b *Bus) DispatchFriendRequestReceive(ctx context.Context, request models.FriendRequest) error {
	view, err := request.View(request.RecipientID)
	if err != nil {
		return err
	}
	return b.Publish(ctx, ChannelFriendRequestReceive(request.RecipientID.String()), view)
}

// --- Message events ---

func destTypeValue(dest models.MessageDestinationType) string {
	return strconv.Itoa(int(dest))
}

// ChannelMessageCreate is the channel that receives an event whenever a
// message is sent to the given destination.
func ChannelMessageCreate(dest models.MessageDestinationType, destID string) string {
	return applyScheme("message_create", destTypeValue(dest), destID)
}

// ChannelMessageUpdate is the channel that receives an event whenever a
// message in the given destination is edited.
func ChannelMessageUpdate(dest models.MessageDestinationType, destID string) string {
	return applyScheme("message_update", destTypeValue(dest), destID)
}

// ChannelMessageDelete is the channel that receives an event whenever a
// message in the given destination is deleted.
func ChannelMessageDelete(dest models.MessageDestinationType, destID string) string {
	return applyScheme("message_delete", destTypeValue(dest), destID)
}

// DispatchMessageCreate publishes the message to the destination's channel.
// For direct messages both DM participants have their own channel, so the
// caller dispatches once per participant id.
func (b *Bus) DispatchMessageCreate(ctx context.Context, destID string, message models.Message) error {
	return b.Publish(ctx, ChannelMessageCreate(message.DestType, destID), message)
}

// DispatchMessageUpdate publishes the edited message to the destination's channel.
func (b *Bus) DispatchMessageUpdate(ctx context.Context, destID string, message models.Message) error {
	return b.Publish(ctx, ChannelMessageUpdate(message.DestType, destID), message)
}

// DispatchMessageDelete publishes a deletion notice for the given message.
func (b *Bus) DispatchMessageDelete(ctx context.Context, dest models.MessageDestinationType, destID, messageID string) error {
	return b.Publish(ctx, ChannelMessageDelete(dest, destID), map[string]string{"message_id": messageID})
}
