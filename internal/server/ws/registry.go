package ws

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lapis-chat/lapis/internal/cache"
	"github.com/lapis-chat/lapis/internal/events"
	"github.com/lapis-chat/lapis/internal/metrics"
	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/internal/store"
)

const subscribeTimeout = 10 * time.Second

// Registry tracks the live websocket sessions of this process and owns their
// registration in the cache's per-user session set. The mutex only guards the
// session map; no cache, bus or store IO happens under it.
type Registry struct {
	cache   *cache.Cache
	bus     *events.Bus
	store   store.Store
	metrics *metrics.Metrics
	log     *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry creates an empty session registry.
func NewRegistry(ca *cache.Cache, bus *events.Bus, st store.Store, m *metrics.Metrics, log *zap.Logger) *Registry {
	return &Registry{
		cache:    ca,
		bus:      bus,
		store:    st,
		metrics:  m,
		log:      log.With(zap.String("module", "ws_registry")),
		sessions: make(map[string]*Session),
	}
}

// Register mints a session for the user's connection, records it in the cache
// session set and the local map, and starts the subscribe worker. The
// returned session is not streaming yet; the caller drives it with Run.
func (r *Registry) Register(ctx context.Context, user models.User, conn *websocket.Conn) (*Session, error) {
	sessionID := uuid.NewString()

	if err := r.cache.InsertUserSession(ctx, user.ID.String(), sessionID); err != nil {
		return nil, fmt.Errorf("failed to record session: %w", err)
	}

	s := newSession(sessionID, user, conn, r, r.log)

	r.mu.Lock()
	r.sessions[sessionID] = s
	r.mu.Unlock()

	r.metrics.SessionsRegistered.Inc()
	r.metrics.ActiveConnections.Inc()

	go r.subscribeWorker(s)

	r.log.Info("session registered",
		zap.String("session_id", sessionID), zap.String("user_id", user.ID.String()))
	return s, nil
}

// subscribeWorker computes the session's channel set, subscribes, confirms
// the subscription with the server, and opens the readiness gate. On failure
// the gate opens with the error and the handshake aborts.
func (r *Registry) subscribeWorker(s *Session) {
	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()

	channels, err := r.channelsFor(ctx, s.User.ID)
	if err != nil {
		s.signalReady(nil, err)
		return
	}

	pubsub := r.bus.Subscribe(ctx, channels...)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		s.signalReady(nil, fmt.Errorf("failed to confirm subscription: %w", err))
		return
	}

	if !s.signalReady(pubsub, nil) {
		// The session closed during setup and no longer accepts the handle.
		_ = pubsub.Close()
	}
}

// channelsFor builds the session's subscription set: the user channels of
// every friend, the user's own relationship channels, and the user's direct
// message channels. The set is computed once; relationship changes after
// setup do not retarget a live session. A user never subscribes to their own
// user_update/user_delete channels.
func (r *Registry) channelsFor(ctx context.Context, userID uuid.UUID) ([]string, error) {
	friends, err := r.store.FriendsOf(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list friends for subscription: %w", err)
	}

	id := userID.String()
	channels := make([]string, 0, 2*len(friends)+6)
	for i := range friends {
		other, err := friends[i].Other(userID)
		if err != nil {
			return nil, err
		}
		channels = append(channels,
			events.ChannelUserUpdate(other.String()),
			events.ChannelUserDelete(other.String()),
		)
	}
	channels = append(channels,
		events.ChannelFriendCreate(id),
		events.ChannelFriendDelete(id),
		events.ChannelFriendRequestReceive(id),
		events.ChannelMessageCreate(models.DestinationDirect, id),
		events.ChannelMessageUpdate(models.DestinationDirect, id),
		events.ChannelMessageDelete(models.DestinationDirect, id),
	)
	return channels, nil
}

// deregister removes the session from the local map and the cache session
// set. Repeated calls for the same session are no-ops.
func (r *Registry) deregister(ctx context.Context, s *Session) {
	r.mu.Lock()
	_, present := r.sessions[s.ID]
	if present {
		delete(r.sessions, s.ID)
	}
	r.mu.Unlock()

	if !present {
		return
	}

	r.metrics.ActiveConnections.Dec()

	if _, err := r.cache.DeleteUserSession(ctx, s.User.ID.String(), s.ID); err != nil {
		r.log.Warn("failed to remove session from cache set",
			zap.String("session_id", s.ID), zap.Error(err))
	}
	r.log.Info("session deregistered",
		zap.String("session_id", s.ID), zap.String("user_id", s.User.ID.String()))
}

// DisconnectAll closes every local session of the user and clears the
// cache session set unconditionally. Session ids recorded by other processes
// are skipped; their owners are responsible for the connections themselves.
func (r *Registry) DisconnectAll(ctx context.Context, userID string) error {
	ids, err := r.cache.UserSessions(ctx, userID)
	if err != nil {
		r.log.Warn("failed to read session set, clearing anyway",
			zap.String("user_id", userID), zap.Error(err))
	}

	r.mu.Lock()
	local := make([]*Session, 0, len(ids))
	for _, id := range ids {
		if s, ok := r.sessions[id]; ok {
			local = append(local, s)
		}
	}
	r.mu.Unlock()

	for _, s := range local {
		s.Close()
	}

	return r.cache.ClearUserSessions(ctx, userID)
}

// CloseAll tears down every live session. Used at shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	open := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		open = append(open, s)
	}
	r.mu.Unlock()

	for _, s := range open {
		s.Close()
	}
}

// Len reports the number of live local sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
