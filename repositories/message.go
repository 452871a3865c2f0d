package repositories

import (
	"chat-relay/domain"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

// DiskMessage is the stored form of a message. Attachments live under
// their own keys and are joined back on read.
type DiskMessage struct {
	ID             string
	ConversationID string
	SenderID       string
	RecipientID    string
	Content        string
	At             int64
	ReadAt         *int64
	SenderKind     string
}

type DiskAttachment struct {
	ID        string
	MessageID string
	URL       string
	MimeKind  string
	OwnerID   string
}

func putMessageTxn(txn *badger.Txn, message domain.Message) error {
	return setValue(txn, messageKey(message.ConversationID, message.CreatedAt, message.ID), toDiskMessage(message))
}

func attachmentsTxn(txn *badger.Txn, id domain.MessageID) ([]domain.Attachment, error) {
	var attachments []domain.Attachment
	prefix := attachmentPrefix(id)
	options := badger.DefaultIteratorOptions
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var disk DiskAttachment
		if err := it.Item().Value(func(value []byte) error {
			return unmarshal(value, &disk)
		}); err != nil {
			return nil, err
		}
		attachments = append(attachments, toAttachment(disk))
	}
	return attachments, nil
}

// attachmentKeysTxn lists attachment keys so they can be deleted with
// their message.
func attachmentKeysTxn(txn *badger.Txn, id domain.MessageID) [][]byte {
	var keys [][]byte
	prefix := attachmentPrefix(id)
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	return keys
}

func toDiskMessage(message domain.Message) DiskMessage {
	disk := DiskMessage{
		ID:             string(message.ID),
		ConversationID: string(message.ConversationID),
		SenderID:       message.SenderID,
		RecipientID:    message.RecipientID,
		Content:        message.Content,
		At:             message.CreatedAt.UnixNano(),
		SenderKind:     string(message.SenderKind),
	}
	if message.ReadAt != nil {
		disk.ReadAt = lo.ToPtr(message.ReadAt.UnixNano())
	}
	return disk
}

func toMessage(disk DiskMessage) domain.Message {
	message := domain.Message{
		ID:             domain.MessageID(disk.ID),
		ConversationID: domain.ConversationID(disk.ConversationID),
		SenderID:       disk.SenderID,
		RecipientID:    disk.RecipientID,
		Content:        disk.Content,
		CreatedAt:      time.Unix(0, disk.At).UTC(),
		SenderKind:     domain.SenderKind(disk.SenderKind),
	}
	if disk.ReadAt != nil {
		message.ReadAt = lo.ToPtr(time.Unix(0, *disk.ReadAt).UTC())
	}
	return message
}

func toDiskAttachment(a domain.Attachment) DiskAttachment {
	return DiskAttachment{
		ID:        a.ID,
		MessageID: string(a.MessageID),
		URL:       a.URL,
		MimeKind:  a.MimeKind,
		OwnerID:   a.OwnerID,
	}
}

func toAttachment(d DiskAttachment) domain.Attachment {
	return domain.Attachment{
		ID:        d.ID,
		MessageID: domain.MessageID(d.MessageID),
		URL:       d.URL,
		MimeKind:  d.MimeKind,
		OwnerID:   d.OwnerID,
	}
}
