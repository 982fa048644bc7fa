// Package storetest provides an in-memory store.Store used by service tests.
// Semantics mirror the Postgres implementation, including sentinel errors and
// friendship edge normalization.
package storetest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/internal/store"
)

type friendKey struct {
	first, second uuid.UUID
}

type requestKey struct {
	requester, recipient uuid.UUID
}

// Memory is an in-memory store.Store.
type Memory struct {
	mu       sync.Mutex
	users    map[uuid.UUID]models.AuthorizedUser
	friends  map[friendKey]models.Friend
	requests map[requestKey]models.FriendRequest
	messages map[uuid.UUID]models.Message
}

var _ store.Store = (*Memory)(nil)

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		users:    make(map[uuid.UUID]models.AuthorizedUser),
		friends:  make(map[friendKey]models.Friend),
		requests: make(map[requestKey]models.FriendRequest),
		messages: make(map[uuid.UUID]models.Message),
	}
}

func orderPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}

// --- Users ---

func (m *Memory) UserByID(_ context.Context, id uuid.UUID) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	public := u.Public()
	return &public, nil
}

func (m *Memory) AuthorizedUserByID(_ context.Context, id uuid.UUID) (*models.AuthorizedUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (m *Memory) AuthorizedUserByToken(_ context.Context, token string) (*models.AuthorizedUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Token == token {
			u := u
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) AuthorizedUserByCredentials(_ context.Context, username, password string) (*models.AuthorizedUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
				return nil, store.ErrNotFound
			}
			u := u
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (m *Memory) CreateUser(_ context.Context, username string, fullname *string, password string) (*models.AuthorizedUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username {
			return nil, store.ErrUsernameTaken
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return nil, err
	}
	u := models.AuthorizedUser{
		User: models.User{
			ID:        uuid.New(),
			Username:  username,
			Fullname:  fullname,
			CreatedAt: time.Now().UTC(),
		},
		PasswordHash: string(hash),
		Token:        uuid.NewString(),
	}
	m.users[u.ID] = u
	return &u, nil
}

func (m *Memory) UpdateUser(_ context.Context, id uuid.UUID, update store.UserUpdate) (*models.AuthorizedUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}

	if update.Username != nil {
		for otherID, other := range m.users {
			if otherID != id && other.Username == *update.Username {
				return nil, store.ErrUsernameTaken
			}
		}
		u.Username = *update.Username
	}
	if update.Fullname != nil {
		u.Fullname = update.Fullname
	}
	if update.Bio != nil {
		u.Bio = update.Bio
	}
	if update.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*update.Password), bcrypt.MinCost)
		if err != nil {
			return nil, err
		}
		u.PasswordHash = string(hash)
		u.Token = uuid.NewString()
	}

	m.users[id] = u
	return &u, nil
}

func (m *Memory) DeleteUser(_ context.Context, id uuid.UUID) (*models.AuthorizedUser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	delete(m.users, id)
	return &u, nil
}

// --- Friends ---

func (m *Memory) FriendsOf(_ context.Context, userID uuid.UUID) ([]models.Friend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Friend
	for _, f := range m.friends {
		if f.FirstUserID == userID || f.SecondUserID == userID {
			out = append(out, f)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FriendExists(_ context.Context, a, b uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, second := orderPair(a, b)
	_, ok := m.friends[friendKey{first, second}]
	return ok, nil
}

func (m *Memory) CreateFriend(_ context.Context, a, b uuid.UUID) (*models.Friend, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, second := orderPair(a, b)
	key := friendKey{first, second}
	if _, ok := m.friends[key]; ok {
		return nil, store.ErrAlreadyExists
	}
	f := models.Friend{FirstUserID: first, SecondUserID: second, CreatedAt: time.Now().UTC()}
	m.friends[key] = f
	return &f, nil
}

func (m *Memory) DeleteFriend(_ context.Context, a, b uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	first, second := orderPair(a, b)
	key := friendKey{first, second}
	if _, ok := m.friends[key]; !ok {
		return false, nil
	}
	delete(m.friends, key)
	return true, nil
}

// --- Friend requests ---

func (m *Memory) FriendRequestsOf(_ context.Context, userID uuid.UUID) ([]models.FriendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.FriendRequest
	for _, r := range m.requests {
		if r.RequesterID == userID || r.RecipientID == userID {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) FriendRequestExists(_ context.Context, requester, recipient uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.requests[requestKey{requester, recipient}]
	return ok, nil
}

func (m *Memory) CreateFriendRequest(_ context.Context, requester, recipient uuid.UUID) (*models.FriendRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := requestKey{requester, recipient}
	if _, ok := m.requests[key]; ok {
		return nil, store.ErrAlreadyExists
	}
	r := models.FriendRequest{RequesterID: requester, RecipientID: recipient, CreatedAt: time.Now().UTC()}
	m.requests[key] = r
	return &r, nil
}

func (m *Memory) DeleteFriendRequest(_ context.Context, requester, recipient uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := requestKey{requester, recipient}
	if _, ok := m.requests[key]; !ok {
		return false, nil
	}
	delete(m.requests, key)
	return true, nil
}

// --- Messages ---

func (m *Memory) MessageByID(_ context.Context, id uuid.UUID) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &msg, nil
}

func (m *Memory) InsertMessage(_ context.Context, message *models.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[message.ID] = *message
	return nil
}

func (m *Memory) UpdateMessageContent(_ context.Context, id uuid.UUID, content string) (*models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := time.Now().UTC()
	msg.Content = content
	msg.EditedAt = &now
	m.messages[id] = msg
	return &msg, nil
}

func (m *Memory) DeleteMessage(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.messages[id]; !ok {
		return false, nil
	}
	delete(m.messages, id)
	return true, nil
}

func (m *Memory) DirectMessages(_ context.Context, a, b uuid.UUID, window store.MessageWindow) ([]models.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if window.Limit <= 0 {
		window.Limit = 16
	}

	var out []models.Message
	for _, msg := range m.messages {
		if msg.DestType != models.DestinationDirect {
			continue
		}
		pairMatch := (msg.AuthorID == a && msg.DestID == b) || (msg.AuthorID == b && msg.DestID == a)
		if !pairMatch {
			continue
		}
		if window.From != nil && msg.CreatedAt.Before(*window.From) {
			continue
		}
		if window.To != nil && msg.CreatedAt.After(*window.To) {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > window.Limit {
		out = out[:window.Limit]
	}
	return out, nil
}
