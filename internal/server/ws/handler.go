package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/internal/service/user"
	"github.com/lapis-chat/lapis/pkg/json"
)

// AuthService resolves an opaque token to its account. The user service
// implements it with a cache-aside read-through.
type AuthService interface {
	Authorize(ctx context.Context, token string) (*models.AuthorizedUser, error)
}

// Handler serves the websocket entry point.
type Handler struct {
	users    AuthService
	registry *Registry
	upgrader websocket.Upgrader
	log      *zap.Logger
}

// NewHandler creates the websocket handler.
func NewHandler(users AuthService, registry *Registry, log *zap.Logger) *Handler {
	return &Handler{
		users:    users,
		registry: registry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: log.With(zap.String("module", "ws_handler")),
	}
}

// Register mounts the handler's routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.serveWS)
}

// serveWS authorizes the token from the query string, upgrades the
// connection and drives the session until it closes. Authorization failures
// are rejected with plain HTTP status codes before any upgrade happens.
func (h *Handler) serveWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	u, err := h.users.Authorize(r.Context(), token)
	if err != nil {
		if errors.Is(err, user.ErrUnauthorized) {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		h.log.Error("authorization failed", zap.Error(err))
		http.Error(w, "authorization unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	session, err := h.registry.Register(r.Context(), u.Public(), conn)
	if err != nil {
		h.log.Error("failed to register session",
			zap.String("user_id", u.ID.String()), zap.Error(err))
		msg := websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "registration failed")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	session.Run(r.Context())
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// RegisterHealth mounts /healthz: every check must pass within the timeout
// for the endpoint to report healthy.
func RegisterHealth(mux *http.ServeMux, log *zap.Logger, checks map[string]HealthCheck) {
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		failed := make([]string, 0)
		for name, check := range checks {
			if err := check(ctx); err != nil {
				log.Warn("health check failed", zap.String("check", name), zap.Error(err))
				failed = append(failed, name)
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if len(failed) > 0 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "unhealthy", "failed": failed})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
}
