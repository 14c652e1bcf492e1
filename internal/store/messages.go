package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// Message is a delivered direct message. The JSON shape doubles as the
// server-to-client delivery frame, so the id and timestamp a client sees are
// exactly what was persisted.
type Message struct {
	ID            string    `json:"_id"`
	Sender        string    `json:"sender"`
	Recipient     string    `json:"recipient"`
	Text          string    `json:"text"`
	AttachmentRef string    `json:"file,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}

// MessageLog is an append-only store of delivered messages, queryable by
// conversation pair in creation order.
type MessageLog struct {
	db *badger.DB
}

// NewMessageLog creates a MessageLog on top of an open Badger instance.
func NewMessageLog(db *badger.DB) *MessageLog {
	return &MessageLog{db: db}
}

// pairKey orders the two participants so that both directions of a
// conversation share a single key prefix.
func pairKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// messageKey formats keys as "msg:{pair}:{timestamp_padded}:{uuid}". The
// 19-digit zero padding makes lexicographic order chronological, and the uuid
// disambiguates two messages landing on the same nanosecond.
func messageKey(msg Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", pairKey(msg.Sender, msg.Recipient), msg.CreatedAt.UnixNano(), msg.ID))
}

// Append assigns the message its id and creation time and persists it. The
// returned Message is the authoritative record handed to fan-out.
func (l *MessageLog) Append(ctx context.Context, sender, recipient, text, attachmentRef string) (Message, error) {
	if err := ctx.Err(); err != nil {
		return Message{}, err
	}

	msg := Message{
		ID:            uuid.NewString(),
		Sender:        sender,
		Recipient:     recipient,
		Text:          text,
		AttachmentRef: attachmentRef,
		CreatedAt:     time.Now().UTC(),
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("store: marshal message: %w", err)
	}

	err = l.db.Update(func(txn *badger.Txn) error {
		return txn.Set(messageKey(msg), data)
	})
	if err != nil {
		return Message{}, fmt.Errorf("store: append message: %w", err)
	}
	return msg, nil
}

// Conversation returns every message exchanged between a and b, oldest first.
func (l *MessageLog) Conversation(a, b string) ([]Message, error) {
	prefix := []byte("msg:" + pairKey(a, b) + ":")
	var messages []Message

	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var msg Message
				if err := json.Unmarshal(val, &msg); err != nil {
					return err
				}
				messages = append(messages, msg)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("store: read conversation: %w", err)
	}
	return messages, nil
}
