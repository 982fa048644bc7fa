package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/lapis-chat/lapis/internal/models"
)

const uniqueViolation = "23505"

// Postgres implements Store on top of database/sql with the pq driver.
type Postgres struct {
	db  *sql.DB
	log *zap.Logger
}

// NewPostgres creates a Postgres store around an open connection pool.
func NewPostgres(db *sql.DB, log *zap.Logger) *Postgres {
	return &Postgres{
		db:  db,
		log: log.With(zap.String("module", "store")),
	}
}

// DB returns the underlying connection pool, for health checks.
func (p *Postgres) DB() *sql.DB {
	return p.db
}

func generateToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}

const userColumns = "id, username, fullname, bio, password_hash, token, created_at"

func scanAuthorizedUser(row *sql.Row) (*models.AuthorizedUser, error) {
	var u models.AuthorizedUser
	err := row.Scan(&u.ID, &u.Username, &u.Fullname, &u.Bio, &u.PasswordHash, &u.Token, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan user: %w", err)
	}
	return &u, nil
}

// UserByID fetches the public view of a user.
func (p *Postgres) UserByID(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u, err := p.AuthorizedUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	public := u.Public()
	return &public, nil
}

// AuthorizedUserByID fetches a user including its credentials.
func (p *Postgres) AuthorizedUserByID(ctx context.Context, id uuid.UUID) (*models.AuthorizedUser, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanAuthorizedUser(row)
}

// AuthorizedUserByToken fetches a user by its authorization token.
func (p *Postgres) AuthorizedUserByToken(ctx context.Context, token string) (*models.AuthorizedUser, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE token = $1`, token)
	return scanAuthorizedUser(row)
}

// AuthorizedUserByCredentials fetches a user by username and verifies the
// password against the stored hash.
func (p *Postgres) AuthorizedUserByCredentials(ctx context.Context, username, password string) (*models.AuthorizedUser, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, username)
	u, err := scanAuthorizedUser(row)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return nil, ErrNotFound
	}
	return u, nil
}

// CreateUser inserts a new user with a freshly minted authorization token.
func (p *Postgres) CreateUser(ctx context.Context, username string, fullname *string, password string) (*models.AuthorizedUser, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	u := &models.AuthorizedUser{
		User: models.User{
			ID:        uuid.New(),
			Username:  username,
			Fullname:  fullname,
			CreatedAt: time.Now().UTC(),
		},
		PasswordHash: string(hash),
		Token:        generateToken(),
	}

	_, err = p.db.ExecContext(ctx,
		`INSERT INTO users (id, username, fullname, bio, password_hash, token, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.Username, u.Fullname, u.Bio, u.PasswordHash, u.Token, u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}
	return u, nil
}

// UpdateUser applies a partial update and returns the resulting row. A
// password change rotates the token; callers own the corresponding cache
// eviction of the old token key.
func (p *Postgres) UpdateUser(ctx context.Context, id uuid.UUID, update UserUpdate) (*models.AuthorizedUser, error) {
	current, err := p.AuthorizedUserByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if update.Username != nil {
		current.Username = *update.Username
	}
	if update.Fullname != nil {
		current.Fullname = update.Fullname
	}
	if update.Bio != nil {
		current.Bio = update.Bio
	}
	if update.Password != nil {
		hash, err := bcrypt.GenerateFromPassword([]byte(*update.Password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		current.PasswordHash = string(hash)
		current.Token = generateToken()
	}

	res, err := p.db.ExecContext(ctx,
		`UPDATE users SET username = $1, fullname = $2, bio = $3, password_hash = $4, token = $5
		 WHERE id = $6`,
		current.Username, current.Fullname, current.Bio, current.PasswordHash, current.Token, id)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, ErrNotFound
	}
	return current, nil
}

// DeleteUser removes a user and returns the deleted row so callers can evict
// the token-keyed cache entry.
func (p *Postgres) DeleteUser(ctx context.Context, id uuid.UUID) (*models.AuthorizedUser, error) {
	row := p.db.QueryRowContext(ctx,
		`DELETE FROM users WHERE id = $1 RETURNING `+userColumns, id)
	return scanAuthorizedUser(row)
}

// --- Friends ---

// orderPair normalizes a friendship edge so it is stored exactly once
// regardless of which side initiated it.
func orderPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() > b.String() {
		return b, a
	}
	return a, b
}

// FriendsOf lists every friendship edge the user is an endpoint of.
func (p *Postgres) FriendsOf(ctx context.Context, userID uuid.UUID) ([]models.Friend, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT first_user, second_user, created_at FROM friends
		 WHERE first_user = $1 OR second_user = $1
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query friends: %w", err)
	}
	defer rows.Close()

	var friends []models.Friend
	for rows.Next() {
		var f models.Friend
		if err := rows.Scan(&f.FirstUserID, &f.SecondUserID, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan friend: %w", err)
		}
		friends = append(friends, f)
	}
	return friends, rows.Err()
}

// FriendExists reports whether the two users are friends.
func (p *Postgres) FriendExists(ctx context.Context, a, b uuid.UUID) (bool, error) {
	first, second := orderPair(a, b)
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM friends WHERE first_user = $1 AND second_user = $2`,
		first, second).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query friendship: %w", err)
	}
	return true, nil
}

// CreateFriend inserts the friendship edge between two users.
func (p *Postgres) CreateFriend(ctx context.Context, a, b uuid.UUID) (*models.Friend, error) {
	first, second := orderPair(a, b)
	f := &models.Friend{FirstUserID: first, SecondUserID: second, CreatedAt: time.Now().UTC()}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO friends (first_user, second_user, created_at) VALUES ($1, $2, $3)`,
		f.FirstUserID, f.SecondUserID, f.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert friend: %w", err)
	}
	return f, nil
}

// DeleteFriend removes the friendship edge, reporting whether it existed.
func (p *Postgres) DeleteFriend(ctx context.Context, a, b uuid.UUID) (bool, error) {
	first, second := orderPair(a, b)
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM friends WHERE first_user = $1 AND second_user = $2`, first, second)
	if err != nil {
		return false, fmt.Errorf("failed to delete friend: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// --- Friend requests ---

// FriendRequestsOf lists all incoming and outgoing requests for the user.
func (p *Postgres) FriendRequestsOf(ctx context.Context, userID uuid.UUID) ([]models.FriendRequest, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT requester_id, recipient_id, created_at FROM friend_requests
		 WHERE requester_id = $1 OR recipient_id = $1
		 ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query friend requests: %w", err)
	}
	defer rows.Close()

	var requests []models.FriendRequest
	for rows.Next() {
		var r models.FriendRequest
		if err := rows.Scan(&r.RequesterID, &r.RecipientID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan friend request: %w", err)
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// FriendRequestExists reports whether the exact requester→recipient request exists.
func (p *Postgres) FriendRequestExists(ctx context.Context, requester, recipient uuid.UUID) (bool, error) {
	var one int
	err := p.db.QueryRowContext(ctx,
		`SELECT 1 FROM friend_requests WHERE requester_id = $1 AND recipient_id = $2`,
		requester, recipient).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to query friend request: %w", err)
	}
	return true, nil
}

// CreateFriendRequest inserts a pending request.
func (p *Postgres) CreateFriendRequest(ctx context.Context, requester, recipient uuid.UUID) (*models.FriendRequest, error) {
	r := &models.FriendRequest{RequesterID: requester, RecipientID: recipient, CreatedAt: time.Now().UTC()}
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO friend_requests (requester_id, recipient_id, created_at) VALUES ($1, $2, $3)`,
		r.RequesterID, r.RecipientID, r.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("failed to insert friend request: %w", err)
	}
	return r, nil
}

// DeleteFriendRequest removes a pending request, reporting whether it existed.
func (p *Postgres) DeleteFriendRequest(ctx context.Context, requester, recipient uuid.UUID) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM friend_requests WHERE requester_id = $1 AND recipient_id = $2`,
		requester, recipient)
	if err != nil {
		return false, fmt.Errorf("failed to delete friend request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// --- Messages ---

const messageColumns = "id, author_id, dest_type, dest_id, content, created_at, edited_at"

func scanMessage(row *sql.Row) (*models.Message, error) {
	var m models.Message
	err := row.Scan(&m.ID, &m.AuthorID, &m.DestType, &m.DestID, &m.Content, &m.CreatedAt, &m.EditedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to scan message: %w", err)
	}
	return &m, nil
}

// MessageByID fetches a single message.
func (p *Postgres) MessageByID(ctx context.Context, id uuid.UUID) (*models.Message, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	return scanMessage(row)
}

// InsertMessage persists a new message.
func (p *Postgres) InsertMessage(ctx context.Context, m *models.Message) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO messages (id, author_id, dest_type, dest_id, content, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.AuthorID, m.DestType, m.DestID, m.Content, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

// UpdateMessageContent edits a message's content and stamps edited_at.
func (p *Postgres) UpdateMessageContent(ctx context.Context, id uuid.UUID, content string) (*models.Message, error) {
	row := p.db.QueryRowContext(ctx,
		`UPDATE messages SET content = $1, edited_at = $2 WHERE id = $3
		 RETURNING `+messageColumns,
		content, time.Now().UTC(), id)
	return scanMessage(row)
}

// DeleteMessage removes a message, reporting whether it existed.
func (p *Postgres) DeleteMessage(ctx context.Context, id uuid.UUID) (bool, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete message: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n > 0, nil
}

// DirectMessages fetches a window of the DM history between two users,
// newest first.
func (p *Postgres) DirectMessages(ctx context.Context, a, b uuid.UUID, window MessageWindow) ([]models.Message, error) {
	if window.Limit <= 0 {
		window.Limit = 16
	}

	query := `SELECT ` + messageColumns + ` FROM messages
		 WHERE dest_type = $1
		   AND ((author_id = $2 AND dest_id = $3) OR (author_id = $3 AND dest_id = $2))`
	args := []any{models.DestinationDirect, a, b}

	if window.From != nil {
		args = append(args, *window.From)
		query += fmt.Sprintf(" AND created_at >= $%d", len(args))
	}
	if window.To != nil {
		args = append(args, *window.To)
		query += fmt.Sprintf(" AND created_at <= $%d", len(args))
	}
	args = append(args, window.Limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.AuthorID, &m.DestType, &m.DestID, &m.Content, &m.CreatedAt, &m.EditedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}
