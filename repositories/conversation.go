//go:generate go run go.uber.org/mock/mockgen -source=conversation.go -destination=../mocks/mock_conversation_repository.go -package=mocks
package repositories

import (
	"chat-relay/clock"
	"chat-relay/domain"
	"chat-relay/errors"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Writers of one conversation are serialized by writerLocks, so a conflict
// only remains between writers that reach the same records under different
// keys (find-or-create by pair, retention). Those are replayed with a
// jittered backoff until the context ends.
const (
	conflictBackoff    = 2 * time.Millisecond
	maxConflictBackoff = 50 * time.Millisecond
)

type IConversationRepository interface {
	FindOrCreateConversation(ctx context.Context, requesterID, counterpartID string) (domain.Conversation, error)
	GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error)
	ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error)
	CreateMessage(ctx context.Context, draft MessageDraft) (domain.Message, domain.Conversation, error)
	History(ctx context.Context, id domain.ConversationID, cursor *string, limit int) (domain.HistoryPage, error)
	MarkRead(ctx context.Context, id domain.ConversationID, readerID string, ids []domain.MessageID, at time.Time) ([]domain.MessageID, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
}

type ConversationRepository struct {
	db      *badger.DB
	log     *slog.Logger
	clock   clock.Clock
	writers *writerLocks
}

func NewConversationRepository(db *badger.DB, log *slog.Logger, clk clock.Clock) *ConversationRepository {
	return &ConversationRepository{db: db, log: log, clock: clk, writers: newWriterLocks()}
}

type DiskConversation struct {
	ID             string
	RequesterID    string
	CounterpartID  string
	CreatedAt      int64
	LastActivityAt int64
}

// MessageDraft is everything the pipeline knows before persistence.
// When ConversationID is empty the conversation between SenderID and
// RecipientID is found or created inside the same transaction.
type MessageDraft struct {
	ConversationID domain.ConversationID
	SenderID       string
	RecipientID    string
	Content        string
	SenderKind     domain.SenderKind
	Attachments    []domain.AttachmentInput
}

// FindOrCreateConversation returns the conversation between the two users,
// creating it with requesterID as requester when none exists yet.
func (r *ConversationRepository) FindOrCreateConversation(ctx context.Context, requesterID, counterpartID string) (domain.Conversation, error) {
	if requesterID == counterpartID {
		return domain.Conversation{}, errors.ErrSelfConversation
	}
	unlock := r.writers.lock(string(pairKey(requesterID, counterpartID)))
	defer unlock()

	var conversation domain.Conversation
	err := r.update(ctx, func(txn *badger.Txn) error {
		var err error
		conversation, err = r.findOrCreateTxn(txn, requesterID, counterpartID, r.clock.Now())
		return err
	})
	if stderrors.Is(err, errors.ErrInvalidRequest) {
		return domain.Conversation{}, err
	}
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("%w: %v", errors.ErrPersistenceFailure, err)
	}
	return conversation, nil
}

func (r *ConversationRepository) GetConversation(ctx context.Context, id domain.ConversationID) (domain.Conversation, error) {
	var conversation domain.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		var err error
		conversation, err = getConversationTxn(txn, id)
		return err
	})
	return conversation, err
}

// ListConversations returns every conversation the user takes part in,
// most recently active first.
func (r *ConversationRepository) ListConversations(ctx context.Context, userID string) ([]domain.Conversation, error) {
	var conversations []domain.Conversation
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := memberPrefix(userID)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			id := domain.ConversationID(it.Item().Key()[len(prefix):])
			conversation, err := getConversationTxn(txn, id)
			if stderrors.Is(err, errors.ErrConversationNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			conversations = append(conversations, conversation)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortByActivity(conversations)
	return conversations, nil
}

// CreateMessage persists a message, its attachments, its indexes, the
// recipient's unread marker and the conversation's activity timestamp in a
// single transaction. CreatedAt is assigned here and is the authoritative
// order of the conversation.
//
// ErrConversationNotFound and ErrUnauthorized are returned as is; any other
// failure is an ErrPersistenceFailure and nothing has been written.
func (r *ConversationRepository) CreateMessage(ctx context.Context, draft MessageDraft) (domain.Message, domain.Conversation, error) {
	var (
		message      domain.Message
		conversation domain.Conversation
	)
	lockKey := string(draft.ConversationID)
	if lockKey == "" {
		lockKey = string(pairKey(draft.SenderID, draft.RecipientID))
	}
	unlock := r.writers.lock(lockKey)
	defer unlock()

	err := r.update(ctx, func(txn *badger.Txn) error {
		now := r.clock.Now()
		var err error
		switch draft.ConversationID {
		case "":
			conversation, err = r.findOrCreateTxn(txn, draft.SenderID, draft.RecipientID, now)
		default:
			conversation, err = getConversationTxn(txn, draft.ConversationID)
		}
		if err != nil {
			return err
		}
		recipientID, ok := conversation.Other(draft.SenderID)
		if !ok {
			return errors.ErrUnauthorized
		}

		message = domain.Message{
			ID:             domain.MessageID(uuid.NewString()),
			ConversationID: conversation.ID,
			SenderID:       draft.SenderID,
			RecipientID:    recipientID,
			Content:        draft.Content,
			CreatedAt:      now,
			SenderKind:     draft.SenderKind,
		}
		message.Attachments = lo.Map(draft.Attachments, func(a domain.AttachmentInput, _ int) domain.Attachment {
			return domain.Attachment{
				ID:        uuid.NewString(),
				MessageID: message.ID,
				URL:       a.URL,
				MimeKind:  a.MimeKind,
				OwnerID:   draft.SenderID,
			}
		})

		if err = putMessageTxn(txn, message); err != nil {
			return err
		}
		for _, attachment := range message.Attachments {
			if err = setValue(txn, attachmentKey(message.ID, attachment.ID), toDiskAttachment(attachment)); err != nil {
				return err
			}
		}
		key := messageKey(message.ConversationID, message.CreatedAt, message.ID)
		if err = txn.Set(messageIndexKey(message.ID), key); err != nil {
			return err
		}
		if err = txn.Set(ageKey(message.CreatedAt, message.ID), key); err != nil {
			return err
		}
		if err = txn.Set(unreadKey(recipientID, message.ID), nil); err != nil {
			return err
		}

		conversation.LastActivityAt = now
		return setValue(txn, conversationKey(conversation.ID), toDiskConversation(conversation))
	})
	switch {
	case err == nil:
		return message, conversation, nil
	case stderrors.Is(err, errors.ErrConversationNotFound),
		stderrors.Is(err, errors.ErrUnauthorized),
		stderrors.Is(err, errors.ErrSelfConversation),
		stderrors.Is(err, errors.ErrInvalidRequest):
		return domain.Message{}, domain.Conversation{}, err
	default:
		r.log.Error("Message persistence failed",
			"conversation_id", draft.ConversationID,
			"sender_id", draft.SenderID,
			"error", err)
		return domain.Message{}, domain.Conversation{}, fmt.Errorf("%w: %v", errors.ErrPersistenceFailure, err)
	}
}

// History retrieves a backward page of a conversation using a reverse prefix
// scan. Thanks to the padded timestamp in the key, messages come out newest
// first. The returned cursor points at the oldest message of the page.
func (r *ConversationRepository) History(ctx context.Context, id domain.ConversationID, cursor *string, limit int) (domain.HistoryPage, error) {
	var page domain.HistoryPage
	var seekSuffix string
	if cursor != nil {
		decoded, err := decodeCursor(*cursor)
		if err != nil || len(decoded) < 21 || decoded[19] != ':' {
			return page, errors.ErrInvalidCursor
		}
		seekSuffix = decoded
	}

	err := r.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(id)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			seekKey = append(append([]byte{}, prefix...), 0xFF)
		default:
			seekKey = append(append([]byte{}, prefix...), seekSuffix...)
		}
		it.Seek(seekKey)

		// Reverse Seek lands on the cursor itself when it still exists.
		if cursor != nil && it.ValidForPrefix(prefix) && string(it.Item().Key()[len(prefix):]) == seekSuffix {
			it.Next()
		}

		var lastSuffix string
		for ; it.ValidForPrefix(prefix); it.Next() {
			if len(page.Messages) == limit {
				page.HasMore = true
				break
			}
			item := it.Item()
			lastSuffix = string(item.Key()[len(prefix):])
			var disk DiskMessage
			if err := item.Value(func(value []byte) error {
				return unmarshal(value, &disk)
			}); err != nil {
				return err
			}
			message := toMessage(disk)
			attachments, err := attachmentsTxn(txn, message.ID)
			if err != nil {
				return err
			}
			message.Attachments = attachments
			page.Messages = append(page.Messages, message)
		}
		if lastSuffix != "" {
			page.NextCursor = lo.ToPtr(encodeCursor(lastSuffix))
		}
		return nil
	})
	if err != nil {
		return domain.HistoryPage{}, err
	}
	return page, nil
}

// MarkRead sets ReadAt on the given messages of the conversation where
// readerID is the recipient and ReadAt is still unset. Already read
// messages, foreign messages and unknown ids are skipped silently.
// It returns the ids that actually changed.
func (r *ConversationRepository) MarkRead(ctx context.Context, id domain.ConversationID, readerID string, ids []domain.MessageID, at time.Time) ([]domain.MessageID, error) {
	var changed []domain.MessageID
	prefix := messagePrefix(id)
	unlock := r.writers.lock(string(id))
	defer unlock()

	err := r.update(ctx, func(txn *badger.Txn) error {
		changed = nil
		for _, messageID := range lo.Uniq(ids) {
			key, err := getRaw(txn, messageIndexKey(messageID))
			if stderrors.Is(err, badger.ErrKeyNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			if len(key) <= len(prefix) || string(key[:len(prefix)]) != string(prefix) {
				continue
			}
			var disk DiskMessage
			if err = getValue(txn, key, &disk); err != nil {
				if stderrors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}
			if disk.RecipientID != readerID || disk.ReadAt != nil {
				continue
			}
			disk.ReadAt = lo.ToPtr(at.UnixNano())
			if err = setValue(txn, key, disk); err != nil {
				return err
			}
			if err = txn.Delete(unreadKey(readerID, messageID)); err != nil {
				return err
			}
			changed = append(changed, messageID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrPersistenceFailure, err)
	}
	return changed, nil
}

// UnreadCount counts the user's unread markers across all conversations.
func (r *ConversationRepository) UnreadCount(ctx context.Context, userID string) (int, error) {
	count := 0
	err := r.db.View(func(txn *badger.Txn) error {
		prefix := unreadPrefix(userID)
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// update runs fn in a read-write transaction, replaying it when another
// writer committed a conflicting change first. fn must not keep state
// across calls.
func (r *ConversationRepository) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	backoff := conflictBackoff
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := r.db.Update(fn)
		if !stderrors.Is(err, badger.ErrConflict) {
			return err
		}
		r.log.Debug("Transaction conflict, retrying", "attempt", attempt)
		wait := backoff/2 + rand.N(backoff/2+1)
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w after %d attempts: %v", err, attempt, ctx.Err())
		case <-time.After(wait):
		}
		backoff = min(backoff*2, maxConflictBackoff)
	}
}

func (r *ConversationRepository) findOrCreateTxn(txn *badger.Txn, requesterID, counterpartID string, now time.Time) (domain.Conversation, error) {
	if requesterID == "" || counterpartID == "" {
		return domain.Conversation{}, errors.ErrInvalidRequest
	}
	if requesterID == counterpartID {
		return domain.Conversation{}, errors.ErrSelfConversation
	}
	existing, err := getRaw(txn, pairKey(requesterID, counterpartID))
	switch {
	case err == nil:
		return getConversationTxn(txn, domain.ConversationID(existing))
	case !stderrors.Is(err, badger.ErrKeyNotFound):
		return domain.Conversation{}, err
	}

	conversation := domain.Conversation{
		ID:             domain.ConversationID(uuid.NewString()),
		RequesterID:    requesterID,
		CounterpartID:  counterpartID,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err = setValue(txn, conversationKey(conversation.ID), toDiskConversation(conversation)); err != nil {
		return domain.Conversation{}, err
	}
	if err = txn.Set(pairKey(requesterID, counterpartID), []byte(conversation.ID)); err != nil {
		return domain.Conversation{}, err
	}
	for _, participant := range conversation.Participants() {
		if err = txn.Set(memberKey(participant, conversation.ID), nil); err != nil {
			return domain.Conversation{}, err
		}
	}
	r.log.Debug("Conversation created",
		"conversation_id", conversation.ID,
		"requester_id", requesterID,
		"counterpart_id", counterpartID)
	return conversation, nil
}

func getConversationTxn(txn *badger.Txn, id domain.ConversationID) (domain.Conversation, error) {
	if id == "" {
		return domain.Conversation{}, errors.ErrConversationNotFound
	}
	var disk DiskConversation
	err := getValue(txn, conversationKey(id), &disk)
	if stderrors.Is(err, badger.ErrKeyNotFound) {
		return domain.Conversation{}, errors.ErrConversationNotFound
	}
	if err != nil {
		return domain.Conversation{}, err
	}
	return toConversation(disk), nil
}

func getRaw(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func getValue(txn *badger.Txn, key []byte, target any) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	return item.Value(func(value []byte) error {
		return unmarshal(value, target)
	})
}

func setValue(txn *badger.Txn, key []byte, value any) error {
	data, err := marshal(value)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

func toDiskConversation(c domain.Conversation) DiskConversation {
	return DiskConversation{
		ID:             string(c.ID),
		RequesterID:    c.RequesterID,
		CounterpartID:  c.CounterpartID,
		CreatedAt:      c.CreatedAt.UnixNano(),
		LastActivityAt: c.LastActivityAt.UnixNano(),
	}
}

func toConversation(d DiskConversation) domain.Conversation {
	return domain.Conversation{
		ID:             domain.ConversationID(d.ID),
		RequesterID:    d.RequesterID,
		CounterpartID:  d.CounterpartID,
		CreatedAt:      time.Unix(0, d.CreatedAt).UTC(),
		LastActivityAt: time.Unix(0, d.LastActivityAt).UTC(),
	}
}

func sortByActivity(conversations []domain.Conversation) {
	sort.Slice(conversations, func(i, j int) bool {
		return conversations[i].LastActivityAt.After(conversations[j].LastActivityAt)
	})
}
