package repositories

import (
	"chat-relay/domain"
	"encoding/base64"
	"fmt"
	"time"
)

// Key layout
//
//	conv:{conversation_id}                     -> DiskConversation
//	pair:{user_a}:{user_b}                     -> conversation_id (sorted pair)
//	member:{user}:{conversation_id}            -> empty
//	msg:{conversation_id}:{nanos}:{message_id} -> DiskMessage
//	mid:{message_id}                           -> msg key
//	age:{nanos}:{message_id}                   -> msg key
//	att:{message_id}:{attachment_id}           -> DiskAttachment
//	unread:{user}:{message_id}                 -> empty
//	audit:archive:{nanos}:{id}                 -> ArchiveAudit
//
// User ids are base64url encoded inside keys so a ':' in an id can never
// make one user's prefix match another's. Timestamps are zero padded to
// 19 digits so lexicographic order is chronological.

func userKey(userID string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(userID))
}

func conversationKey(id domain.ConversationID) []byte {
	return []byte("conv:" + string(id))
}

func pairKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte("pair:" + userKey(a) + ":" + userKey(b))
}

func memberKey(userID string, id domain.ConversationID) []byte {
	return []byte("member:" + userKey(userID) + ":" + string(id))
}

func memberPrefix(userID string) []byte {
	return []byte("member:" + userKey(userID) + ":")
}

func messagePrefix(id domain.ConversationID) []byte {
	return []byte("msg:" + string(id) + ":")
}

func messageSuffix(at time.Time, id domain.MessageID) string {
	return fmt.Sprintf("%019d:%s", at.UnixNano(), id)
}

func messageKey(conversationID domain.ConversationID, at time.Time, id domain.MessageID) []byte {
	return append(messagePrefix(conversationID), messageSuffix(at, id)...)
}

func messageIndexKey(id domain.MessageID) []byte {
	return []byte("mid:" + string(id))
}

const agePrefix = "age:"

func ageKey(at time.Time, id domain.MessageID) []byte {
	return []byte(agePrefix + messageSuffix(at, id))
}

func attachmentPrefix(id domain.MessageID) []byte {
	return []byte("att:" + string(id) + ":")
}

func attachmentKey(messageID domain.MessageID, attachmentID string) []byte {
	return append(attachmentPrefix(messageID), attachmentID...)
}

func unreadKey(userID string, id domain.MessageID) []byte {
	return []byte("unread:" + userKey(userID) + ":" + string(id))
}

func unreadPrefix(userID string) []byte {
	return []byte("unread:" + userKey(userID) + ":")
}

func auditKey(at time.Time, id string) []byte {
	return []byte(fmt.Sprintf("audit:archive:%019d:%s", at.UnixNano(), id))
}

// Cursors are the message key suffix, base64url encoded so clients treat
// them as opaque.
func encodeCursor(suffix string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(suffix))
}

func decodeCursor(cursor string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
