// Package message implements direct messaging. Every mutation is dispatched
// on the direct channels of both DM participants, so each side's sessions see
// the same stream of MESSAGE_* events.
package message

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lapis-chat/lapis/internal/events"
	"github.com/lapis-chat/lapis/internal/models"
	"github.com/lapis-chat/lapis/internal/store"
)

var (
	// ErrContentLength is returned when message content is empty or too long.
	ErrContentLength = fmt.Errorf("content must be %d to %d characters",
		models.MessageContentMinLength, models.MessageContentMaxLength)

	// ErrNotFriends is returned when the DM pair is not befriended.
	ErrNotFriends = errors.New("users are not friends")

	// ErrNotAuthor is returned when a user mutates someone else's message.
	ErrNotAuthor = errors.New("only the author may modify a message")
)

// Service implements direct message operations.
type Service struct {
	store store.Store
	bus   *events.Bus
	log   *zap.Logger
}

// New creates a message service.
func New(st store.Store, bus *events.Bus, log *zap.Logger) *Service {
	return &Service{
		store: st,
		bus:   bus,
		log:   log.With(zap.String("module", "message_service")),
	}
}

func validateContent(content string) error {
	if n := len(content); n < models.MessageContentMinLength || n > models.MessageContentMaxLength {
		return ErrContentLength
	}
	return nil
}

// SendDirect persists a DM from author to recipient and dispatches
// MESSAGE_CREATE on both participants' direct channels.
func (s *Service) SendDirect(ctx context.Context, author, recipient uuid.UUID, content string) (*models.Message, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	friends, err := s.store.FriendExists(ctx, author, recipient)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, ErrNotFriends
	}

	m := &models.Message{
		ID:        uuid.New(),
		AuthorID:  author,
		DestType:  models.DestinationDirect,
		DestID:    recipient,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.InsertMessage(ctx, m); err != nil {
		return nil, err
	}

	s.dispatchCreate(ctx, m)
	return m, nil
}

// EditDirect replaces the content of a message the operating user authored
// and dispatches MESSAGE_UPDATE to both participants.
func (s *Service) EditDirect(ctx context.Context, operating, messageID uuid.UUID, content string) (*models.Message, error) {
	if err := validateContent(content); err != nil {
		return nil, err
	}

	m, err := s.store.MessageByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m.AuthorID != operating {
		return nil, ErrNotAuthor
	}

	updated, err := s.store.UpdateMessageContent(ctx, messageID, content)
	if err != nil {
		return nil, err
	}

	for _, participant := range directParticipants(updated) {
		if err := s.bus.DispatchMessageUpdate(ctx, participant, *updated); err != nil {
			s.log.Error("failed to dispatch message update",
				zap.String("message_id", messageID.String()), zap.Error(err))
		}
	}
	return updated, nil
}

// DeleteDirect removes a message the operating user authored and dispatches
// MESSAGE_DELETE to both participants.
func (s *Service) DeleteDirect(ctx context.Context, operating, messageID uuid.UUID) error {
	m, err := s.store.MessageByID(ctx, messageID)
	if err != nil {
		return err
	}
	if m.AuthorID != operating {
		return ErrNotAuthor
	}

	existed, err := s.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return err
	}
	if !existed {
		return store.ErrNotFound
	}

	for _, participant := range directParticipants(m) {
		if err := s.bus.DispatchMessageDelete(ctx, m.DestType, participant, messageID.String()); err != nil {
			s.log.Error("failed to dispatch message delete",
				zap.String("message_id", messageID.String()), zap.Error(err))
		}
	}
	return nil
}

// History returns a window of the DM history between the operating user and
// the other participant, newest first.
func (s *Service) History(ctx context.Context, operating, other uuid.UUID, window store.MessageWindow) ([]models.Message, error) {
	friends, err := s.store.FriendExists(ctx, operating, other)
	if err != nil {
		return nil, err
	}
	if !friends {
		return nil, ErrNotFriends
	}
	return s.store.DirectMessages(ctx, operating, other, window)
}

func (s *Service) dispatchCreate(ctx context.Context, m *models.Message) {
	for _, participant := range directParticipants(m) {
		if err := s.bus.DispatchMessageCreate(ctx, participant, *m); err != nil {
			s.log.Error("failed to dispatch message create",
				zap.String("message_id", m.ID.String()), zap.Error(err))
		}
	}
}

// directParticipants lists the ids whose direct channels carry events for
// this message: the author's and the recipient's.
func directParticipants(m *models.Message) []string {
	return []string{m.AuthorID.String(), m.DestID.String()}
}
