package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/coinwise-ai/coinwise/internal/models"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a conversation does not exist.
var ErrNotFound = errors.New("not found")

// BoltDB implements durable conversation and message storage on a BoltDB
// backend. Message writes are keyed by timestamp and message ID, so retried
// writes of the same message overwrite instead of duplicating; the delivery
// queue relies on that to make at-least-once delivery safe.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed, 0600) the database at path and
// initializes the conversations bucket.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("conversations"))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

// messageKey orders messages chronologically and stays stable across retries
// of the same message.
func messageKey(msg models.Message) []byte {
	return []byte(fmt.Sprintf("%020d-%s", msg.Timestamp.UnixNano(), msg.ID))
}

// AddConversation stores a new conversation and creates its message bucket.
// The stored ID combines a sequence number with the conversation's original
// ID; the new ID is returned.
func (b BoltDB) AddConversation(_ context.Context, conv models.Conversation) (string, error) {
	var newID string
	err := b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("conversations"))
		if bk == nil {
			return nil
		}

		idPrefix, err := bk.NextSequence()
		if err != nil {
			return fmt.Errorf("failed to get next sequence: %w", err)
		}
		newID = fmt.Sprintf("%d-%s", idPrefix, conv.ID)
		conv.ID = newID

		if _, err := tx.CreateBucketIfNotExists(messageBucketName(conv.ID)); err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bk.Put([]byte(newID), v)
	})

	return newID, err
}

// Conversation retrieves one conversation by ID.
func (b BoltDB) Conversation(_ context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("conversations"))
		if bk == nil {
			return ErrNotFound
		}
		v := bk.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
		}
		return json.Unmarshal(v, &conv)
	})
	return conv, err
}

// Conversations retrieves the conversations owned by userID, newest first.
func (b BoltDB) Conversations(_ context.Context, userID string) ([]models.Conversation, error) {
	var convs []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("conversations"))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			if conv.UserID == userID {
				convs = append(convs, conv)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(convs)
	return convs, nil
}

// UpdateConversation modifies an existing conversation. A missing
// conversation is silently ignored; handlers only use this for title
// updates after creation.
func (b BoltDB) UpdateConversation(_ context.Context, conv models.Conversation) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket([]byte("conversations"))
		if bk == nil {
			return nil
		}

		if bk.Get([]byte(conv.ID)) == nil {
			return nil
		}

		v, err := json.Marshal(conv)
		if err != nil {
			return fmt.Errorf("failed to marshal conversation: %w", err)
		}

		return bk.Put([]byte(conv.ID), v)
	})
}

// Messages retrieves all stored messages of a conversation in chronological
// order.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(messageBucketName(conversationID))
		if bk == nil {
			return nil
		}

		return bk.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// CreateMessage persists a finalized message. Retrying with the same message
// writes the same key, so the operation is idempotent.
func (b BoltDB) CreateMessage(_ context.Context, conversationID string, msg models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk, err := tx.CreateBucketIfNotExists(messageBucketName(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		v, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}

		return bk.Put(messageKey(msg), v)
	})
}
