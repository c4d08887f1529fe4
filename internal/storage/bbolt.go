// Package storage persists users, chats and messages in a single bbolt
// database. Chats are keyed by a deterministic unordered-pair ID, so at most
// one chat can ever exist for a pair of users; bbolt's single-writer
// transactions make the get-or-create in EnsureChat atomic.
package storage

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"

	"tetatet/internal/auth"
	"tetatet/internal/models"
)

var (
	bucketUsers         = []byte("users")
	bucketUsernames     = []byte("usernames") // username -> user ID index
	bucketChats         = []byte("chats")
	bucketMessages      = []byte("messages") // one sub-bucket per chat ID
	bucketSubscriptions = []byte("push_subscriptions")
)

type Store struct {
	logger *zap.SugaredLogger
	db     *bbolt.DB
}

func Open(path string, logger *zap.SugaredLogger) (*Store, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketUsers, bucketUsernames, bucketChats, bucketMessages, bucketSubscriptions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &Store{logger: logger, db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// PairID returns the deterministic chat ID for an unordered user pair.
// Both argument orders map to the same ID.
func PairID(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return "dm_" + a + "_" + b
}

// CreateCredentials stores a new user together with its password hash.
// Returns auth.ErrUserExists if the username is already taken.
func (s *Store) CreateCredentials(c auth.UserCredentials) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		idx := tx.Bucket(bucketUsernames)
		if idx.Get([]byte(c.Username)) != nil {
			return auth.ErrUserExists
		}

		dbUser := &DBUser{
			ID:           c.ID,
			Username:     c.Username,
			DisplayName:  c.DisplayName,
			AvatarID:     c.AvatarID,
			PasswordHash: c.PasswordHash,
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal user: %w", err)
		}

		if err := tx.Bucket(bucketUsers).Put(dbUser.Key(), data); err != nil {
			return err
		}
		return idx.Put([]byte(c.Username), []byte(c.ID))
	})
}

// CredentialsByUsername looks a user up through the username index.
func (s *Store) CredentialsByUsername(username string) (auth.UserCredentials, error) {
	var creds auth.UserCredentials
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(bucketUsernames).Get([]byte(username))
		if id == nil {
			return fmt.Errorf("user %q: %w", username, models.ErrNotFound)
		}
		data := tx.Bucket(bucketUsers).Get(id)
		if data == nil {
			return fmt.Errorf("user %q: %w", username, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		creds = auth.UserCredentials{
			User:         userFromDB(&dbUser),
			PasswordHash: dbUser.PasswordHash,
		}
		return nil
	})
	return creds, err
}

// UserByID returns the user with the given ID.
func (s *Store) UserByID(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %q: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		user = userFromDB(&dbUser)
		return nil
	})
	return user, err
}

// ListUsers returns all registered users sorted by username.
func (s *Store) ListUsers() ([]models.User, error) {
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			users = append(users, userFromDB(&dbUser))
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(users, func(i, j int) bool {
		return users[i].Username < users[j].Username
	})
	return users, nil
}

// UpdateAvatar sets the avatar file ID on a user record.
func (s *Store) UpdateAvatar(userID, avatarID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(userID))
		if data == nil {
			return fmt.Errorf("user %q: %w", userID, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal user: %w", err)
		}
		dbUser.AvatarID = avatarID
		updated, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return b.Put(dbUser.Key(), updated)
	})
}

// EnsureChat returns the chat for the unordered pair (a, b), creating it if
// it does not exist yet. The whole get-or-create runs in one write
// transaction, so concurrent first messages between the same pair cannot
// produce duplicate chats.
func (s *Store) EnsureChat(a, b string) (models.Chat, error) {
	if a == b {
		return models.Chat{}, errors.New("chat requires two distinct users")
	}
	if a == "" || b == "" {
		return models.Chat{}, errors.New("chat requires two user ids")
	}

	userA, userB := a, b
	if userB < userA {
		userA, userB = userB, userA
	}
	id := PairID(a, b)

	var chat models.Chat
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChats)
		if data := bucket.Get([]byte(id)); data != nil {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(data); err != nil {
				return fmt.Errorf("failed to unmarshal chat: %w", err)
			}
			chat = chatFromDB(&dbChat)
			return nil
		}

		dbChat := DBChat{
			ID:        id,
			UserA:     userA,
			UserB:     userB,
			CreatedAt: time.Now().UTC().UnixMilli(),
		}
		data, err := dbChat.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal chat: %w", err)
		}
		if err := bucket.Put(dbChat.Key(), data); err != nil {
			return err
		}
		chat = chatFromDB(&dbChat)
		s.logger.Debugw("chat created", "chat_id", id)
		return nil
	})
	return chat, err
}

// FindChat looks up the chat for the unordered pair (a, b).
// Returns models.ErrNotFound when no chat exists yet.
func (s *Store) FindChat(a, b string) (models.Chat, error) {
	id := PairID(a, b)
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChats).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("chat %q: %w", id, models.ErrNotFound)
		}
		var dbChat DBChat
		if err := dbChat.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("failed to unmarshal chat: %w", err)
		}
		chat = chatFromDB(&dbChat)
		return nil
	})
	return chat, err
}

// SaveMessage persists a message under its chat and assigns the per-chat
// sequence number. The chat must exist.
func (s *Store) SaveMessage(msg models.Message) (models.Message, error) {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketChats).Get([]byte(msg.ChatID)) == nil {
			return fmt.Errorf("chat %q: %w", msg.ChatID, models.ErrNotFound)
		}

		chatBucket, err := tx.Bucket(bucketMessages).CreateBucketIfNotExists([]byte(msg.ChatID))
		if err != nil {
			return fmt.Errorf("failed to create chat message bucket: %w", err)
		}

		seq, err := chatBucket.NextSequence()
		if err != nil {
			return err
		}
		msg.Seq = seq

		dbMessage := DBMessage{
			Seq:        msg.Seq,
			ChatID:     msg.ChatID,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
			Text:       msg.Text,
			SentAt:     msg.SentAt.UnixMilli(),
		}
		data, err := dbMessage.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		return chatBucket.Put(dbMessage.Key(), data)
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// MessagesByChat returns all messages of a chat, oldest first. A chat with
// no messages (or an unknown chat) yields an empty result, not an error.
func (s *Store) MessagesByChat(chatID string) ([]models.Message, error) {
	messages := []models.Message{}
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return nil
		}
		return chatBucket.ForEach(func(k, v []byte) error {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, messageFromDB(&dbMsg))
			return nil
		})
	})
	return messages, err
}

// LastMessage returns the most recent message of a chat.
// Returns models.ErrNotFound when the chat has no messages.
func (s *Store) LastMessage(chatID string) (models.Message, error) {
	var msg models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatBucket := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
		if chatBucket == nil {
			return fmt.Errorf("chat %q messages: %w", chatID, models.ErrNotFound)
		}
		k, v := chatBucket.Cursor().Last()
		if k == nil {
			return fmt.Errorf("chat %q messages: %w", chatID, models.ErrNotFound)
		}
		var dbMsg DBMessage
		if err := dbMsg.UnmarshalBinary(v); err != nil {
			return err
		}
		msg = messageFromDB(&dbMsg)
		return nil
	})
	return msg, err
}

// UpsertPushSubscription stores the browser push subscription for a user.
func (s *Store) UpsertPushSubscription(userID string, data []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		sub := &DBPushSubscription{UserID: userID, Data: data}
		encoded, err := sub.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketSubscriptions).Put(sub.Key(), encoded)
	})
}

// PushSubscription returns the stored push subscription JSON for a user.
func (s *Store) PushSubscription(userID string) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketSubscriptions).Get([]byte(userID))
		if raw == nil {
			return fmt.Errorf("subscription for %q: %w", userID, models.ErrNotFound)
		}
		var sub DBPushSubscription
		if err := sub.UnmarshalBinary(raw); err != nil {
			return err
		}
		data = sub.Data
		return nil
	})
	return data, err
}

func (s *Store) DeletePushSubscription(userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSubscriptions).Delete([]byte(userID))
	})
}

func userFromDB(u *DBUser) models.User {
	return models.User{
		ID:          u.ID,
		Username:    u.Username,
		DisplayName: u.DisplayName,
		AvatarID:    u.AvatarID,
	}
}

func chatFromDB(c *DBChat) models.Chat {
	return models.Chat{
		ID:        c.ID,
		UserA:     c.UserA,
		UserB:     c.UserB,
		CreatedAt: time.UnixMilli(c.CreatedAt).UTC(),
	}
}

func messageFromDB(m *DBMessage) models.Message {
	return models.Message{
		Seq:        m.Seq,
		ChatID:     m.ChatID,
		SenderID:   m.SenderID,
		ReceiverID: m.ReceiverID,
		Text:       m.Text,
		SentAt:     time.UnixMilli(m.SentAt).UTC(),
	}
}
