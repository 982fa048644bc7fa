package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lapis-chat/lapis/internal/events"
	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/pkg/json"
)

// State is a session's position in its lifecycle. Transitions only move
// forward; Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateSubscribing
	StateReady
	StateStreaming
	StateClosed
)

// writeTimeout bounds every frame write so a client that stopped reading
// cannot pin the relay, and with it teardown, indefinitely.
const writeTimeout = 10 * time.Second

// Session is one live websocket connection of one user. It owns a dedicated
// pub/sub handle and relays events from it until either side disconnects.
type Session struct {
	ID   string
	User models.User

	conn     *websocket.Conn
	registry *Registry
	log      *zap.Logger

	state atomic.Int32

	// ready is closed exactly once, by whichever of the subscribe worker
	// and Close gets there first; pubsub and subErr are immutable after.
	ready     chan struct{}
	readyOnce sync.Once
	pubsub    *goredis.PubSub
	subErr    error

	relayCtx     context.Context
	relayCancel  context.CancelFunc
	relayStarted atomic.Bool
	relayDone    chan struct{}
	closeOnce    sync.Once

	// writeMu serializes frames; the relay loop and the handshake both write.
	writeMu sync.Mutex
}

func newSession(id string, user models.User, conn *websocket.Conn, registry *Registry, log *zap.Logger) *Session {
	relayCtx, relayCancel := context.WithCancel(context.Background())
	return &Session{
		ID:          id,
		User:        user,
		conn:        conn,
		registry:    registry,
		log:         log.With(zap.String("session_id", id), zap.String("user_id", user.ID.String())),
		ready:       make(chan struct{}),
		relayCtx:    relayCtx,
		relayCancel: relayCancel,
		relayDone:   make(chan struct{}),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	return State(s.state.Load())
}

func (s *Session) setState(st State) {
	s.state.Store(int32(st))
}

// signalReady records the subscribe outcome and opens the readiness gate. It
// reports whether this call won; a losing subscribe worker keeps ownership of
// its handle and must close it itself.
func (s *Session) signalReady(pubsub *goredis.PubSub, err error) bool {
	won := false
	s.readyOnce.Do(func() {
		s.pubsub = pubsub
		s.subErr = err
		won = true
		close(s.ready)
	})
	return won
}

func (s *Session) writePacket(p Packet) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Run drives the session to completion: handshake, relay, read loop. It
// returns once the connection is closed from either side.
func (s *Session) Run(ctx context.Context) {
	defer s.Close()

	s.setState(StateConnecting)
	if err := s.writePacket(helloPacket()); err != nil {
		s.log.Debug("failed to send hello", zap.Error(err))
		return
	}

	s.setState(StateSubscribing)
	select {
	case <-s.ready:
	case <-ctx.Done():
		return
	}
	if s.subErr != nil {
		s.log.Error("subscription setup failed, aborting handshake", zap.Error(s.subErr))
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "subscription failed")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		return
	}

	s.setState(StateReady)
	if err := s.writePacket(readyPacket(s.User, s.ID)); err != nil {
		s.log.Debug("failed to send ready", zap.Error(err))
		return
	}

	s.setState(StateStreaming)
	s.relayStarted.Store(true)
	go s.relay(s.relayCtx)

	s.readLoop()
}

// relay forwards bus messages to the client until the relay context is
// cancelled or the pub/sub handle is closed.
func (s *Session) relay(ctx context.Context) {
	defer close(s.relayDone)

	ch := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !json.Valid([]byte(msg.Payload)) {
				s.registry.metrics.RelayFailures.Inc()
				s.log.Warn("dropping malformed event payload",
					zap.String("channel", msg.Channel))
				continue
			}
			name := events.EventName(msg.Channel)
			if err := s.writePacket(eventPacket(name, []byte(msg.Payload))); err != nil {
				s.registry.metrics.RelayFailures.Inc()
				s.log.Debug("failed to relay event, closing session",
					zap.String("event", name), zap.Error(err))
				go s.Close()
				return
			}
			s.registry.metrics.EventsDelivered.Inc()
		}
	}
}

// readLoop discards inbound frames; its purpose is disconnect detection. The
// protocol is strictly server-to-client after the handshake.
func (s *Session) readLoop() {
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if !errors.Is(err, websocket.ErrCloseSent) && !websocket.IsCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read loop terminated", zap.Error(err))
			}
			return
		}
		s.registry.metrics.DroppedFrames.Inc()
	}
}

// Close tears the session down exactly once: stop the relay, release the
// pub/sub handle, deregister, then close the socket. Safe to call from any
// goroutine and in any state.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)

		// Open the gate for a Run stuck in SUBSCRIBING. If the subscribe
		// worker has not reported yet, it loses the race and closes its own
		// handle.
		s.signalReady(nil, errors.New("session closed"))

		s.relayCancel()
		// Expire any in-flight write so a relay stalled on a client that
		// stopped reading cannot block the wait below.
		_ = s.conn.SetWriteDeadline(time.Now())
		if s.relayStarted.Load() {
			<-s.relayDone
		}

		if s.pubsub != nil {
			if err := s.pubsub.Unsubscribe(context.Background()); err != nil {
				s.log.Debug("failed to unsubscribe", zap.Error(err))
			}
			if err := s.pubsub.Close(); err != nil {
				s.log.Debug("failed to close pubsub handle", zap.Error(err))
			}
		}

		s.registry.deregister(context.Background(), s)

		_ = s.conn.Close()
	})
}
