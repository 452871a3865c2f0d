//go:generate go run go.uber.org/mock/mockgen -source=retention.go -destination=../mocks/mock_retention_repository.go -package=mocks
package repositories

import (
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	stderrors "errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// deleteBatchSize keeps every delete transaction well under Badger's
// transaction size limit. A message costs 5 keys plus its attachments.
const deleteBatchSize = 100

type IRetentionRepository interface {
	MessagesBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Message, error)
	DeleteMessages(ctx context.Context, ids []domain.MessageID) (int, error)
	InactiveConversations(ctx context.Context, cutoff time.Time) ([]domain.ConversationID, error)
	DeleteConversation(ctx context.Context, id domain.ConversationID, cutoff time.Time) (bool, error)
	RecordArchive(ctx context.Context, audit ArchiveAudit) error
}

// ArchiveAudit is written every time messages leave the live store.
type ArchiveAudit struct {
	ID         string
	Count      int
	Cutoff     int64
	ArchivedAt int64
}

// MessagesBefore walks the age index from the oldest message and returns
// up to limit messages created strictly before cutoff.
func (r *ConversationRepository) MessagesBefore(ctx context.Context, cutoff time.Time, limit int) ([]domain.Message, error) {
	var messages []domain.Message
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte(agePrefix)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(messages) < limit; it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			nanos, err := strconv.ParseInt(string(item.Key()[len(prefix):len(prefix)+19]), 10, 64)
			if err != nil {
				return fmt.Errorf("corrupted age key %q: %w", item.Key(), err)
			}
			if nanos >= cutoff.UnixNano() {
				break
			}
			key, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var disk DiskMessage
			if err = getValue(txn, key, &disk); err != nil {
				if stderrors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			message := toMessage(disk)
			if message.Attachments, err = attachmentsTxn(txn, message.ID); err != nil {
				return err
			}
			messages = append(messages, message)
		}
		return nil
	})
	return messages, err
}

// DeleteMessages removes messages with everything hanging off them:
// attachments, indexes and unread markers. Unknown ids are skipped, so a
// replay after a partial run only counts what it actually removed.
func (r *ConversationRepository) DeleteMessages(ctx context.Context, ids []domain.MessageID) (int, error) {
	deleted := 0
	for start := 0; start < len(ids); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(ids))
		batch := ids[start:end]
		var count int
		err := r.update(ctx, func(txn *badger.Txn) error {
			count = 0
			for _, id := range batch {
				removed, err := deleteMessageTxn(txn, id)
				if err != nil {
					return err
				}
				if removed {
					count++
				}
			}
			return nil
		})
		if err != nil {
			return deleted, err
		}
		deleted += count
	}
	return deleted, nil
}

// InactiveConversations lists conversations whose last message is older
// than cutoff.
func (r *ConversationRepository) InactiveConversations(ctx context.Context, cutoff time.Time) ([]domain.ConversationID, error) {
	var ids []domain.ConversationID
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte("conv:")
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var disk DiskConversation
			if err := it.Item().Value(func(value []byte) error {
				return unmarshal(value, &disk)
			}); err != nil {
				return err
			}
			if disk.LastActivityAt < cutoff.UnixNano() {
				ids = append(ids, domain.ConversationID(disk.ID))
			}
		}
		return nil
	})
	return ids, err
}

// DeleteConversation removes an inactive conversation and cascades to its
// messages. Writers of the conversation wait until it is done. Inactivity
// is checked again before every batch of messages and once more before the
// conversation record goes, so a conversation revived by a send keeps its
// whole history. The boolean reports whether the conversation was removed.
func (r *ConversationRepository) DeleteConversation(ctx context.Context, id domain.ConversationID, cutoff time.Time) (bool, error) {
	unlock := r.writers.lock(string(id))
	defer unlock()

	for {
		inactive, err := r.inactiveBefore(id, cutoff)
		if err != nil || !inactive {
			return false, err
		}
		ids, err := r.messageIDsBefore(id, cutoff, deleteBatchSize)
		if err != nil {
			return false, err
		}
		if len(ids) == 0 {
			break
		}
		deleted, err := r.DeleteMessages(ctx, ids)
		if err != nil {
			return false, err
		}
		if deleted == 0 {
			break
		}
	}

	removed := false
	err := r.update(ctx, func(txn *badger.Txn) error {
		removed = false
		conversation, err := getConversationTxn(txn, id)
		if stderrors.Is(err, errors.ErrConversationNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !conversation.LastActivityAt.Before(cutoff) {
			return nil
		}
		prefix := messagePrefix(id)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = prefix
		it := txn.NewIterator(options)
		it.Seek(prefix)
		remaining := it.ValidForPrefix(prefix)
		it.Close()
		if remaining {
			return nil
		}

		for _, key := range [][]byte{
			conversationKey(id),
			pairKey(conversation.RequesterID, conversation.CounterpartID),
			memberKey(conversation.RequesterID, id),
			memberKey(conversation.CounterpartID, id),
		} {
			if err = txn.Delete(key); err != nil {
				return err
			}
		}
		removed = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed, nil
}

// inactiveBefore reports whether the conversation exists and saw no
// activity since cutoff.
func (r *ConversationRepository) inactiveBefore(id domain.ConversationID, cutoff time.Time) (bool, error) {
	inactive := false
	err := r.db.View(func(txn *badger.Txn) error {
		conversation, err := getConversationTxn(txn, id)
		if stderrors.Is(err, errors.ErrConversationNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		inactive = conversation.LastActivityAt.Before(cutoff)
		return nil
	})
	return inactive, err
}

func (r *ConversationRepository) RecordArchive(ctx context.Context, audit ArchiveAudit) error {
	if audit.ID == "" {
		audit.ID = uuid.NewString()
	}
	return r.update(ctx, func(txn *badger.Txn) error {
		return setValue(txn, auditKey(time.Unix(0, audit.ArchivedAt), audit.ID), audit)
	})
}

// ArchiveAudits returns every audit record, oldest first.
func (r *ConversationRepository) ArchiveAudits(ctx context.Context) ([]ArchiveAudit, error) {
	var audits []ArchiveAudit
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := []byte("audit:archive:")
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var audit ArchiveAudit
			if err := it.Item().Value(func(value []byte) error {
				return unmarshal(value, &audit)
			}); err != nil {
				return err
			}
			audits = append(audits, audit)
		}
		return nil
	})
	return audits, err
}

func (r *ConversationRepository) messageIDsBefore(id domain.ConversationID, cutoff time.Time, limit int) ([]domain.MessageID, error) {
	var ids []domain.MessageID
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(id)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		stop := append(append([]byte{}, prefix...), fmt.Sprintf("%019d", cutoff.UnixNano())...)
		for it.Seek(prefix); it.ValidForPrefix(prefix) && len(ids) < limit; it.Next() {
			key := it.Item().Key()
			if string(key) >= string(stop) {
				break
			}
			// msg:{conversation}:{nanos}:{message}
			ids = append(ids, domain.MessageID(key[len(prefix)+20:]))
		}
		return nil
	})
	return ids, err
}

func deleteMessageTxn(txn *badger.Txn, id domain.MessageID) (bool, error) {
	key, err := getRaw(txn, messageIndexKey(id))
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var disk DiskMessage
	if err = getValue(txn, key, &disk); err != nil && !stderrors.Is(err, badger.ErrKeyNotFound) {
		return false, err
	}
	keys := append(attachmentKeysTxn(txn, id),
		key,
		messageIndexKey(id),
		ageKey(time.Unix(0, disk.At), id),
	)
	if disk.RecipientID != "" {
		keys = append(keys, unreadKey(disk.RecipientID, id))
	}
	for _, k := range keys {
		if err = txn.Delete(k); err != nil {
			return false, err
		}
	}
	return true, nil
}
