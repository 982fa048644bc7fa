package api

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lapis-chat/lapis/internal/cache"
	"github.com/lapis-chat/lapis/internal/events"
	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/internal/service/friend"
	"github.com/lapis-chat/lapis/internal/service/message"
	"github.com/lapis-chat/lapis/internal/service/user"
	"github.com/lapis-chat/lapis/internal/store/storetest"
	"github.com/lapis-chat/lapis/pkg/json"
	"github.com/lapis-chat/lapis/pkg/redis"
)

type fixture struct {
	server *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	log := zaptest.NewLogger(t)

	client, err := redis.NewClient(redis.Config{Host: mr.Host(), Port: mr.Port()}, log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	st := storetest.New()
	ca := cache.New(client, log)
	bus := events.NewBus(client, log)
	users := user.New(st, ca, bus, log)
	friends := friend.New(st, users, bus, log)
	messages := message.New(st, bus, log)

	mux := http.NewServeMux()
	NewHandler(users, friends, messages, log).Register(mux)
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &fixture{server: server}
}

func (f *fixture) do(t *testing.T, method, path, token string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.server.URL+path, reader)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	return resp, data
}

func (f *fixture) signup(t *testing.T, username string) authorizedView {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/users", "", map[string]string{
		"username": username,
		"password": "long enough password",
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var view authorizedView
	require.NoError(t, json.Unmarshal(body, &view))
	require.NotEmpty(t, view.Token)
	return view
}

func (f *fixture) befriendOverAPI(t *testing.T, a, b authorizedView) {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/friends/requests/"+b.ID.String(), a.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))
	resp, body = f.do(t, http.MethodPut, "/friends/requests/"+a.ID.String(), b.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))
}

func TestSignupAndLogin(t *testing.T) {
	f := newFixture(t)
	alice := f.signup(t, "alice")

	resp, body := f.do(t, http.MethodPost, "/login", "", map[string]string{
		"username": "alice",
		"password": "long enough password",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var view authorizedView
	require.NoError(t, json.Unmarshal(body, &view))
	assert.Equal(t, alice.ID, view.ID)

	resp, _ = f.do(t, http.MethodPost, "/login", "", map[string]string{
		"username": "alice",
		"password": "wrong password!!",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSignupValidationAndConflict(t *testing.T) {
	f := newFixture(t)
	f.signup(t, "alice")

	resp, _ := f.do(t, http.MethodPost, "/users", "", map[string]string{
		"username": "alice",
		"password": "long enough password",
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/users", "", map[string]string{
		"username": "bob",
		"password": "short",
	})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/users/me", "", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/users/me", "bogus token", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestEditProfileSerializesWithoutHash(t *testing.T) {
	f := newFixture(t)
	alice := f.signup(t, "alice")

	bio := "hello"
	resp, body := f.do(t, http.MethodPatch, "/users/me", alice.Token, map[string]*string{"bio": &bio})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(body, &raw))
	assert.Equal(t, "hello", raw["bio"])
	assert.NotContains(t, raw, "password", "credential hash must never be serialized")
}

func TestPasswordChangeReturnsFreshToken(t *testing.T) {
	f := newFixture(t)
	alice := f.signup(t, "alice")

	newPassword := "a different password"
	resp, body := f.do(t, http.MethodPatch, "/users/me", alice.Token, map[string]*string{"password": &newPassword})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view authorizedView
	require.NoError(t, json.Unmarshal(body, &view))
	require.NotEqual(t, alice.Token, view.Token)

	resp, _ = f.do(t, http.MethodGet, "/users/me", alice.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/users/me", view.Token, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestFriendRequestFlow(t *testing.T) {
	f := newFixture(t)
	alice := f.signup(t, "alice")
	bob := f.signup(t, "bob")

	resp, body := f.do(t, http.MethodPost, "/friends/requests/"+bob.ID.String(), alice.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode, string(body))

	resp, body = f.do(t, http.MethodGet, "/friends/requests", bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var views []models.FriendRequestView
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 1)
	assert.Equal(t, alice.ID, views[0].UserID)
	assert.True(t, views[0].Incoming)

	resp, _ = f.do(t, http.MethodPut, "/friends/requests/"+alice.ID.String(), bob.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/friends", alice.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var friendIDs []uuid.UUID
	require.NoError(t, json.Unmarshal(body, &friendIDs))
	assert.Equal(t, []uuid.UUID{bob.ID}, friendIDs)
}

func TestDismissRequestBothDirections(t *testing.T) {
	f := newFixture(t)
	alice := f.signup(t, "alice")
	bob := f.signup(t, "bob")

	// Withdraw an outgoing request.
	resp, _ := f.do(t, http.MethodPost, "/friends/requests/"+bob.ID.String(), alice.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/friends/requests/"+bob.ID.String(), alice.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	// Reject an incoming one.
	resp, _ = f.do(t, http.MethodPost, "/friends/requests/"+bob.ID.String(), alice.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/friends/requests/"+alice.ID.String(), bob.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/friends/requests/"+alice.ID.String(), bob.Token, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDirectMessageFlow(t *testing.T) {
	f := newFixture(t)
	alice := f.signup(t, "alice")
	bob := f.signup(t, "bob")
	f.befriendOverAPI(t, alice, bob)

	resp, body := f.do(t, http.MethodPost, "/channels/"+bob.ID.String()+"/messages", alice.Token,
		map[string]string{"content": "hello bob"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var sent models.Message
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Equal(t, alice.ID, sent.AuthorID)

	resp, body = f.do(t, http.MethodGet, "/channels/"+alice.ID.String()+"/messages", bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var history []models.Message
	require.NoError(t, json.Unmarshal(body, &history))
	require.Len(t, history, 1)
	assert.Equal(t, "hello bob", history[0].Content)

	resp, body = f.do(t, http.MethodPatch, "/messages/"+sent.ID.String(), alice.Token,
		map[string]string{"content": "edited"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var edited models.Message
	require.NoError(t, json.Unmarshal(body, &edited))
	assert.Equal(t, "edited", edited.Content)
	assert.NotNil(t, edited.EditedAt)

	resp, _ = f.do(t, http.MethodPatch, "/messages/"+sent.ID.String(), bob.Token,
		map[string]string{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, _ = f.do(t, http.MethodDelete, "/messages/"+sent.ID.String(), alice.Token, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/channels/"+alice.ID.String()+"/messages", bob.Token, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &history))
	assert.Empty(t, history)
}

func TestDirectMessageRequiresFriendship(t *testing.T) {
	f := newFixture(t)
	alice := f.signup(t, "alice")
	carol := f.signup(t, "carol")

	resp, _ := f.do(t, http.MethodPost, "/channels/"+carol.ID.String()+"/messages", alice.Token,
		map[string]string{"content": "hi"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestDeleteAccount(t *testing.T) {
	f := newFixture(t)
	alice := f.signup(t, "alice")

	resp, _ := f.do(t, http.MethodDelete, "/users/me", alice.Token, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = f.do(t, http.MethodGet, "/users/me", alice.Token, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
