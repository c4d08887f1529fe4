// Package chat orchestrates message sending and the roster read model on top
// of the durable store, the presence registry and the live delivery channel.
package chat

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"tetatet/internal/content"
	"tetatet/internal/models"
)

var (
	// ErrSendFailed wraps a storage failure during SendMessage. Delivery is
	// never attempted when it occurs.
	ErrSendFailed = errors.New("message could not be saved")

	ErrEmptyMessage = errors.New("message text is empty")
	ErrSelfMessage  = errors.New("cannot send a message to yourself")
)

// Store is the slice of the storage layer the service needs.
type Store interface {
	EnsureChat(a, b string) (models.Chat, error)
	FindChat(a, b string) (models.Chat, error)
	SaveMessage(msg models.Message) (models.Message, error)
	MessagesByChat(chatID string) ([]models.Message, error)
	LastMessage(chatID string) (models.Message, error)
	ListUsers() ([]models.User, error)
}

// Roster exposes presence reads.
type Roster interface {
	IsOnline(userID string) bool
	LookupConnection(userID string) (string, bool)
}

// Deliverer pushes a named event to specific live connections.
// Delivery is best-effort; errors are logged, never propagated.
type Deliverer interface {
	PushToConnections(connIDs []string, event string, payload any) error
}

// Notifier is told about messages whose receiver has no live connection.
type Notifier interface {
	Notify(userID string, dto models.MessageDTO)
}

type Service struct {
	logger    *zap.SugaredLogger
	store     Store
	roster    Roster
	deliverer Deliverer
	notifier  Notifier // may be nil

	now func() time.Time
}

func NewService(logger *zap.SugaredLogger, store Store, roster Roster, deliverer Deliverer, notifier Notifier) *Service {
	return &Service{
		logger:    logger,
		store:     store,
		roster:    roster,
		deliverer: deliverer,
		notifier:  notifier,
		now:       time.Now,
	}
}

// SendMessage resolves the chat between sender and receiver (creating it on
// first contact), persists the message and pushes it to both parties when
// both are online. Persistence is the success criterion: a failed live push
// never fails the send.
func (s *Service) SendMessage(sender, receiver models.User, text string) (models.MessageDTO, error) {
	if sender.ID == receiver.ID {
		return models.MessageDTO{}, ErrSelfMessage
	}

	text = content.Sanitize(text)
	if text == "" {
		return models.MessageDTO{}, ErrEmptyMessage
	}

	chat, err := s.store.EnsureChat(sender.ID, receiver.ID)
	if err != nil {
		return models.MessageDTO{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	msg, err := s.store.SaveMessage(models.Message{
		ChatID:     chat.ID,
		SenderID:   sender.ID,
		ReceiverID: receiver.ID,
		Text:       text,
		SentAt:     s.now().UTC(),
	})
	if err != nil {
		return models.MessageDTO{}, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	dto := s.buildDTO(msg, sender)

	senderConn, senderOnline := s.roster.LookupConnection(sender.ID)
	receiverConn, receiverOnline := s.roster.LookupConnection(receiver.ID)

	switch {
	case senderOnline && receiverOnline:
		if err := s.deliverer.PushToConnections(
			[]string{senderConn, receiverConn},
			models.EventReceiveMessage,
			dto,
		); err != nil {
			s.logger.Warnw("live delivery failed",
				"chat_id", chat.ID, "message_seq", msg.Seq, "error", err)
		}
	case !receiverOnline && s.notifier != nil:
		go s.notifier.Notify(receiver.ID, dto)
	}

	return dto, nil
}

// MessagesForChat returns the full ordered history between two users.
// The second return value is false when no chat exists between the pair,
// which is distinct from an existing chat with no messages.
func (s *Service) MessagesForChat(userA, userB string) ([]models.Message, bool, error) {
	chat, err := s.store.FindChat(userA, userB)
	if errors.Is(err, models.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	msgs, err := s.store.MessagesByChat(chat.ID)
	if err != nil {
		return nil, false, err
	}
	return msgs, true, nil
}

// UserCards computes the roster read model for the given user: one card per
// registered user with its online flag and the preview of the last message
// exchanged with forUserID.
func (s *Service) UserCards(forUserID string) ([]models.UserCard, error) {
	users, err := s.store.ListUsers()
	if err != nil {
		return nil, err
	}

	cards := make([]models.UserCard, 0, len(users))
	for _, u := range users {
		card := models.UserCard{
			UserID:   u.ID,
			Username: u.Username,
			Online:   s.roster.IsOnline(u.ID),
		}

		last, err := s.lastMessageWith(forUserID, u.ID)
		if err != nil {
			return nil, err
		}
		if last != nil {
			card.LastMessageText = last.Text
			card.LastMessageTime = s.formatMessageTime(last.SentAt)
			card.LastMessageAt = last.SentAt.UnixMilli()
		}

		cards = append(cards, card)
	}
	return cards, nil
}

// lastMessageWith returns the most recent message between two users, or nil
// when there is no chat or no message yet.
func (s *Service) lastMessageWith(a, b string) (*models.Message, error) {
	if a == b {
		return nil, nil
	}

	chat, err := s.store.FindChat(a, b)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	last, err := s.store.LastMessage(chat.ID)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &last, nil
}

func (s *Service) buildDTO(msg models.Message, sender models.User) models.MessageDTO {
	dto := models.MessageDTO{
		MessageID:  msg.Seq,
		ChatID:     msg.ChatID,
		SenderID:   msg.SenderID,
		SenderName: sender.Username,
		ReceiverID: msg.ReceiverID,
		Text:       msg.Text,
		Timestamp:  msg.SentAt,
	}

	html, err := content.RenderMarkdown(msg.Text)
	if err != nil {
		s.logger.Warnw("markdown rendering failed", "chat_id", msg.ChatID, "error", err)
		return dto
	}
	dto.HTML = html
	return dto
}

// formatMessageTime renders the last-message label: time of day when the
// message is from today, full date and time otherwise.
func (s *Service) formatMessageTime(ts time.Time) string {
	now := s.now()
	ts = ts.In(now.Location())

	ty, tm, td := ts.Date()
	ny, nm, nd := now.Date()
	if ty == ny && tm == nm && td == nd {
		return ts.Format("15:04")
	}
	return ts.Format("02 Jan 2006 15:04")
}
