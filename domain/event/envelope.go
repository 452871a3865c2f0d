package event

import (
	"chat-relay/errors"
	"encoding/json"
	"fmt"
)

// RequestType names the frames a client sends to the server.
type RequestType string

const (
	JoinConversationRequest  RequestType = "join_conversation"
	LeaveConversationRequest RequestType = "leave_conversation"
	OpenConversationRequest  RequestType = "open_conversation"
	SendMessageRequest       RequestType = "send_message"
	TypingStartRequest       RequestType = "typing_start"
	TypingStopRequest        RequestType = "typing_stop"
	FetchHistoryRequest      RequestType = "fetch_history"
	MarkReadRequest          RequestType = "mark_read"
	SearchMessagesRequest    RequestType = "search_messages"
)

// Envelope is the JSON frame exchanged in both directions.
// RequestID is echoed back on responses that answer a request.
type Envelope struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ConversationRef is the payload of join, leave and typing requests.
type ConversationRef struct {
	ConversationID string `json:"conversationId"`
}

func Encode(e DomainEvent) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: string(e.EventType()), Payload: payload})
}

// EncodeRequest frames a client request.
func EncodeRequest(t RequestType, requestID string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: string(t), RequestID: requestID, Payload: raw})
}

// Decode turns a server frame back into its typed event. Unknown types and
// malformed frames are ErrInvalidRequest.
func Decode(data []byte) (DomainEvent, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidRequest, err)
	}
	var target DomainEvent
	switch Type(env.Type) {
	case AdmittedType:
		target = &Admitted{}
	case RejectedType:
		target = &Rejected{}
	case MessageAcknowledgedType:
		target = &MessageAcknowledged{}
	case MessageFailedType:
		target = &MessageFailed{}
	case NewMessageType:
		target = &NewMessage{}
	case TypingStartedType:
		target = &TypingStarted{}
	case TypingStoppedType:
		target = &TypingStopped{}
	case MessagesReadType:
		target = &MessagesRead{}
	case MessageNotificationType:
		target = &MessageNotification{}
	case HistoryPageType:
		target = &HistoryPage{}
	case ReadAcknowledgedType:
		target = &ReadAcknowledged{}
	case ConversationOpenedType:
		target = &ConversationOpened{}
	case OperationFailedType:
		target = &OperationFailed{}
	case SearchResultsType:
		target = &SearchResults{}
	default:
		return nil, fmt.Errorf("%w: unknown event type %q", errors.ErrInvalidRequest, env.Type)
	}
	if len(env.Payload) > 0 {
		if err := json.Unmarshal(env.Payload, target); err != nil {
			return nil, fmt.Errorf("%w: decode %s: %v", errors.ErrInvalidRequest, env.Type, err)
		}
	}
	return deref(target), nil
}

func deref(e DomainEvent) DomainEvent {
	switch v := e.(type) {
	case *Admitted:
		return *v
	case *Rejected:
		return *v
	case *MessageAcknowledged:
		return *v
	case *MessageFailed:
		return *v
	case *NewMessage:
		return *v
	case *TypingStarted:
		return *v
	case *TypingStopped:
		return *v
	case *MessagesRead:
		return *v
	case *MessageNotification:
		return *v
	case *HistoryPage:
		return *v
	case *ReadAcknowledged:
		return *v
	case *ConversationOpened:
		return *v
	case *OperationFailed:
		return *v
	case *SearchResults:
		return *v
	}
	return e
}
