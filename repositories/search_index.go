package repositories

import (
	"chat-relay/domain"
	"context"
	"log/slog"
	"strings"

	"github.com/abadojack/whatlanggo"
	"github.com/blugelabs/bluge"
	"github.com/samber/lo"
)

const (
	fieldID           = "_id"
	fieldConversation = "conversation_id"
	fieldSender       = "sender_id"
	fieldContent      = "content"
	fieldLang         = "lang"
	fieldCreatedAt    = "created_at"

	undetermined     = "und"
	removeBatchLimit = 500
)

// MessageIndex is the full text index over message content. It is derived
// from the store: losing an entry degrades search, never the conversation.
type MessageIndex struct {
	writer *bluge.Writer
	log    *slog.Logger
}

func NewMessageIndex(writer *bluge.Writer, log *slog.Logger) *MessageIndex {
	return &MessageIndex{writer: writer, log: log}
}

// Index adds or replaces the message. Attachment-only messages are skipped.
func (i *MessageIndex) Index(_ context.Context, message domain.Message) error {
	if strings.TrimSpace(message.Content) == "" {
		return nil
	}
	doc := bluge.NewDocument(string(message.ID)).
		AddField(bluge.NewKeywordField(fieldConversation, string(message.ConversationID)).StoreValue()).
		AddField(bluge.NewKeywordField(fieldSender, message.SenderID).StoreValue()).
		AddField(bluge.NewTextField(fieldContent, message.Content).StoreValue()).
		AddField(bluge.NewKeywordField(fieldLang, DetectLanguage(message.Content)).StoreValue()).
		AddField(bluge.NewDateTimeField(fieldCreatedAt, message.CreatedAt).StoreValue())
	return i.writer.Update(doc.ID(), doc)
}

func (i *MessageIndex) Remove(_ context.Context, ids []domain.MessageID) error {
	if len(ids) == 0 {
		return nil
	}
	batch := bluge.NewBatch()
	for _, id := range ids {
		batch.Delete(bluge.Identifier(id))
	}
	return i.writer.Batch(batch)
}

// RemoveConversation drops every entry of the conversation.
func (i *MessageIndex) RemoveConversation(ctx context.Context, conversationID domain.ConversationID) error {
	for {
		ids, err := i.idsOf(ctx, conversationID)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		if err = i.Remove(ctx, ids); err != nil {
			return err
		}
	}
}

func (i *MessageIndex) idsOf(ctx context.Context, conversationID domain.ConversationID) ([]domain.MessageID, error) {
	reader, err := i.writer.Reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	query := bluge.NewTermQuery(string(conversationID)).SetField(fieldConversation)
	it, err := reader.Search(ctx, bluge.NewTopNSearch(removeBatchLimit, query))
	if err != nil {
		return nil, err
	}
	var ids []domain.MessageID
	match, err := it.Next()
	for err == nil && match != nil {
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field == fieldID {
				ids = append(ids, domain.MessageID(value))
				return false
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		match, err = it.Next()
	}
	return ids, err
}

// Search returns the best matching messages of one conversation.
func (i *MessageIndex) Search(ctx context.Context, q domain.SearchQuery) ([]domain.SearchHit, error) {
	query := bluge.NewBooleanQuery().
		AddMust(bluge.NewTermQuery(string(q.ConversationID)).SetField(fieldConversation)).
		AddMust(bluge.NewMatchQuery(q.Text).SetField(fieldContent))
	if q.Lang != "" {
		query.AddMust(bluge.NewTermQuery(q.Lang).SetField(fieldLang))
	}

	reader, err := i.writer.Reader()
	if err != nil {
		return nil, err
	}
	defer func() { _ = reader.Close() }()

	it, err := reader.Search(ctx, bluge.NewTopNSearch(lo.Ternary(q.Limit > 0, q.Limit, 10), query))
	if err != nil {
		return nil, err
	}
	var hits []domain.SearchHit
	match, err := it.Next()
	for err == nil && match != nil {
		hit := domain.SearchHit{Score: match.Score}
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case fieldID:
				hit.MessageID = domain.MessageID(value)
			case fieldConversation:
				hit.ConversationID = domain.ConversationID(value)
			case fieldSender:
				hit.SenderID = string(value)
			case fieldContent:
				hit.Content = string(value)
			case fieldLang:
				hit.Language = string(value)
			case fieldCreatedAt:
				if at, decodeErr := bluge.DecodeDateTime(value); decodeErr == nil {
					hit.CreatedAt = at.UTC()
				}
			}
			return true
		})
		if err != nil {
			return nil, err
		}
		hits = append(hits, hit)
		match, err = it.Next()
	}
	return hits, err
}

// DetectLanguage returns the ISO 639-1 code of text, or "und" when the
// detection is not reliable enough to filter on.
func DetectLanguage(text string) string {
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return undetermined
	}
	if code := info.Lang.Iso6391(); code != "" {
		return code
	}
	return undetermined
}
