package message

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lapis-chat/lapis/internal/events"
	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/internal/store"
	"github.com/lapis-chat/lapis/internal/store/storetest"
	"github.com/lapis-chat/lapis/pkg/json"
	"github.com/lapis-chat/lapis/pkg/redis"
)

type fixture struct {
	svc   *Service
	store *storetest.Memory
	bus   *events.Bus

	alice uuid.UUID
	bob   uuid.UUID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	log := zaptest.NewLogger(t)

	client, err := redis.NewClient(redis.Config{Host: mr.Host(), Port: mr.Port()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	st := storetest.New()
	bus := events.NewBus(client, log)

	ctx := context.Background()
	alice, err := st.CreateUser(ctx, "alice", nil, "long enough password")
	require.NoError(t, err)
	bob, err := st.CreateUser(ctx, "bob", nil, "long enough password")
	require.NoError(t, err)
	_, err = st.CreateFriend(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	return &fixture{
		svc:   New(st, bus, log),
		store: st,
		bus:   bus,
		alice: alice.ID,
		bob:   bob.ID,
	}
}

func subscribe(t *testing.T, bus *events.Bus, channel string) *goredis.PubSub {
	t.Helper()
	sub := bus.Subscribe(context.Background(), channel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)
	return sub
}

func receiveMessage(t *testing.T, sub *goredis.PubSub) models.Message {
	t.Helper()
	select {
	case msg := <-sub.Channel():
		var m models.Message
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &m))
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message event")
		return models.Message{}
	}
}

func TestSendDirectDispatchesToBothParticipants(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	subAlice := subscribe(t, f.bus,
		events.ChannelMessageCreate(models.DestinationDirect, f.alice.String()))
	subBob := subscribe(t, f.bus,
		events.ChannelMessageCreate(models.DestinationDirect, f.bob.String()))

	sent, err := f.svc.SendDirect(ctx, f.alice, f.bob, "hello bob")
	require.NoError(t, err)

	gotAlice := receiveMessage(t, subAlice)
	gotBob := receiveMessage(t, subBob)
	assert.Equal(t, sent.ID, gotAlice.ID)
	assert.Equal(t, sent.ID, gotBob.ID)
	assert.Equal(t, "hello bob", gotBob.Content)
	assert.Equal(t, f.alice, gotBob.AuthorID)
}

func TestSendDirectRequiresFriendship(t *testing.T) {
	f := newFixture(t)
	stranger, err := f.store.CreateUser(context.Background(), "carol", nil, "long enough password")
	require.NoError(t, err)

	_, err = f.svc.SendDirect(context.Background(), f.alice, stranger.ID, "hi")
	assert.ErrorIs(t, err, ErrNotFriends)
}

func TestSendDirectValidatesContent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.SendDirect(ctx, f.alice, f.bob, "")
	assert.ErrorIs(t, err, ErrContentLength)

	_, err = f.svc.SendDirect(ctx, f.alice, f.bob, strings.Repeat("x", models.MessageContentMaxLength+1))
	assert.ErrorIs(t, err, ErrContentLength)
}

func TestEditDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent, err := f.svc.SendDirect(ctx, f.alice, f.bob, "original")
	require.NoError(t, err)

	subBob := subscribe(t, f.bus,
		events.ChannelMessageUpdate(models.DestinationDirect, f.bob.String()))

	updated, err := f.svc.EditDirect(ctx, f.alice, sent.ID, "edited")
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.Content)
	require.NotNil(t, updated.EditedAt)

	got := receiveMessage(t, subBob)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "edited", got.Content)
}

func TestEditDirectOnlyAuthor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent, err := f.svc.SendDirect(ctx, f.alice, f.bob, "mine")
	require.NoError(t, err)

	_, err = f.svc.EditDirect(ctx, f.bob, sent.ID, "not yours")
	assert.ErrorIs(t, err, ErrNotAuthor)
}

func TestDeleteDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sent, err := f.svc.SendDirect(ctx, f.alice, f.bob, "going away")
	require.NoError(t, err)

	subBob := subscribe(t, f.bus,
		events.ChannelMessageDelete(models.DestinationDirect, f.bob.String()))

	require.NoError(t, f.svc.DeleteDirect(ctx, f.alice, sent.ID))

	select {
	case msg := <-subBob.Channel():
		var payload map[string]string
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &payload))
		assert.Equal(t, sent.ID.String(), payload["message_id"])
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delete event")
	}

	assert.ErrorIs(t, f.svc.DeleteDirect(ctx, f.alice, sent.ID), store.ErrNotFound)
}

func TestHistoryWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, content := range []string{"one", "two", "three"} {
		_, err := f.svc.SendDirect(ctx, f.alice, f.bob, content)
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	history, err := f.svc.History(ctx, f.bob, f.alice, store.MessageWindow{Limit: 2})
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "three", history[0].Content)
	assert.Equal(t, "two", history[1].Content)
}

func TestHistoryRequiresFriendship(t *testing.T) {
	f := newFixture(t)
	stranger, err := f.store.CreateUser(context.Background(), "carol", nil, "long enough password")
	require.NoError(t, err)

	_, err = f.svc.History(context.Background(), f.alice, stranger.ID, store.MessageWindow{})
	assert.ErrorIs(t, err, ErrNotFriends)
}
