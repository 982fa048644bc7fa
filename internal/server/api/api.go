// Package api is the REST surface for account, friendship and direct message
// operations. Real-time delivery happens over the websocket endpoint; these
// handlers perform the mutations that the event bus fans out.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/internal/service/friend"
	"github.com/lapis-chat/lapis/internal/service/message"
	"github.com/lapis-chat/lapis/internal/service/user"
	"github.com/lapis-chat/lapis/internal/store"
	"github.com/lapis-chat/lapis/pkg/json"
)

// Handler serves the REST API.
type Handler struct {
	users    *user.Service
	friends  *friend.Service
	messages *message.Service
	log      *zap.Logger
}

// NewHandler creates the REST handler.
func NewHandler(users *user.Service, friends *friend.Service, messages *message.Service, log *zap.Logger) *Handler {
	return &Handler{
		users:    users,
		friends:  friends,
		messages: messages,
		log:      log.With(zap.String("module", "api")),
	}
}

// Register mounts all REST routes on the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /users", h.createUser)
	mux.HandleFunc("POST /login", h.login)
	mux.HandleFunc("GET /users/me", h.authed(h.getSelf))
	mux.HandleFunc("PATCH /users/me", h.authed(h.editSelf))
	mux.HandleFunc("DELETE /users/me", h.authed(h.deleteSelf))
	mux.HandleFunc("GET /users/{id}", h.authed(h.getUser))

	mux.HandleFunc("GET /friends", h.authed(h.listFriends))
	mux.HandleFunc("DELETE /friends/{id}", h.authed(h.unfriend))
	mux.HandleFunc("GET /friends/requests", h.authed(h.listRequests))
	mux.HandleFunc("POST /friends/requests/{id}", h.authed(h.sendRequest))
	mux.HandleFunc("PUT /friends/requests/{id}", h.authed(h.acceptRequest))
	mux.HandleFunc("DELETE /friends/requests/{id}", h.authed(h.dismissRequest))

	mux.HandleFunc("GET /channels/{id}/messages", h.authed(h.listMessages))
	mux.HandleFunc("POST /channels/{id}/messages", h.authed(h.sendMessage))
	mux.HandleFunc("PATCH /messages/{id}", h.authed(h.editMessage))
	mux.HandleFunc("DELETE /messages/{id}", h.authed(h.deleteMessage))
}

// authedRequest carries the resolved account through an authorized handler.
type authedRequest func(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser)

// authed resolves the Authorization header before invoking the handler.
func (h *Handler) authed(next authedRequest) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := r.Header.Get("Authorization")
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}
		u, err := h.users.Authorize(r.Context(), token)
		if err != nil {
			if errors.Is(err, user.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "invalid authorization token")
				return
			}
			h.log.Error("authorization failed", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "authorization unavailable")
			return
		}
		next(w, r, u)
	}
}

// authorizedView is the serialization of the caller's own account: the public
// profile plus the token, never the password hash.
type authorizedView struct {
	models.User
	Token string `json:"token"`
}

func viewOf(u *models.AuthorizedUser) authorizedView {
	return authorizedView{User: u.Public(), Token: u.Token}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeServiceError maps domain errors onto HTTP status codes.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, user.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, message.ErrContentLength):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, store.ErrUsernameTaken):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, friend.ErrAlreadyFriends):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, store.ErrNotFound), errors.Is(err, friend.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, friend.ErrSelfAction):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, message.ErrNotFriends), errors.Is(err, message.ErrNotAuthor):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, user.ErrUnauthorized):
		writeError(w, http.StatusUnauthorized, err.Error())
	default:
		h.log.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func pathID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	return id, err == nil
}

// --- Users ---

type createUserRequest struct {
	Username string  `json:"username"`
	Fullname *string `json:"fullname"`
	Password string  `json:"password"`
}

func (h *Handler) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	u, err := h.users.Create(r.Context(), req.Username, req.Fullname, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewOf(u))
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	u, err := h.users.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

func (h *Handler) getSelf(w http.ResponseWriter, _ *http.Request, operating *models.AuthorizedUser) {
	writeJSON(w, http.StatusOK, viewOf(operating))
}

type editUserRequest struct {
	Username *string `json:"username"`
	Fullname *string `json:"fullname"`
	Bio      *string `json:"bio"`
	Password *string `json:"password"`
}

func (h *Handler) editSelf(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	var req editUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	u, err := h.users.Edit(r.Context(), operating.ID, store.UserUpdate{
		Username: req.Username,
		Fullname: req.Fullname,
		Bio:      req.Bio,
		Password: req.Password,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(u))
}

func (h *Handler) deleteSelf(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	if err := h.users.Delete(r.Context(), operating.ID); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request, _ *models.AuthorizedUser) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed user id")
		return
	}
	u, err := h.users.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, u)
}

// --- Friends ---

func (h *Handler) listFriends(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	ids, err := h.friends.List(r.Context(), operating.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *Handler) unfriend(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed user id")
		return
	}
	if err := h.friends.Unfriend(r.Context(), operating.ID, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRequests(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	views, err := h.friends.ListRequests(r.Context(), operating.ID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) sendRequest(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed user id")
		return
	}
	if err := h.friends.SendRequest(r.Context(), operating.ID, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) acceptRequest(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed user id")
		return
	}
	if err := h.friends.AcceptRequest(r.Context(), operating.ID, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// dismissRequest removes whichever pending request connects the two users:
// an outgoing one is withdrawn, an incoming one rejected.
func (h *Handler) dismissRequest(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed user id")
		return
	}
	err := h.friends.WithdrawRequest(r.Context(), operating.ID, id)
	if errors.Is(err, store.ErrNotFound) {
		err = h.friends.RejectRequest(r.Context(), operating.ID, id)
	}
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Messages ---

func parseWindow(r *http.Request) (store.MessageWindow, error) {
	var window store.MessageWindow
	q := r.URL.Query()
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil {
			return window, err
		}
		window.Limit = limit
	}
	for param, dst := range map[string]**time.Time{"after": &window.From, "before": &window.To} {
		if v := q.Get(param); v != "" {
			ts, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return window, err
			}
			*dst = &ts
		}
	}
	return window, nil
}

func (h *Handler) listMessages(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed channel id")
		return
	}
	window, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed window parameters")
		return
	}
	history, err := h.messages.History(r.Context(), operating.ID, id, window)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if history == nil {
		history = []models.Message{}
	}
	writeJSON(w, http.StatusOK, history)
}

type sendMessageRequest struct {
	Content string `json:"content"`
}

func (h *Handler) sendMessage(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed channel id")
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	m, err := h.messages.SendDirect(r.Context(), operating.ID, id, req.Content)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, m)
}

func (h *Handler) editMessage(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed message id")
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed body")
		return
	}
	m, err := h.messages.EditDirect(r.Context(), operating.ID, id, req.Content)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (h *Handler) deleteMessage(w http.ResponseWriter, r *http.Request, operating *models.AuthorizedUser) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "malformed message id")
		return
	}
	if err := h.messages.DeleteDirect(r.Context(), operating.ID, id); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
