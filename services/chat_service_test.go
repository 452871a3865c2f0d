package services

import (
	"chat-relay/clock"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/mocks"
	"chat-relay/moderation"
	"chat-relay/repositories"
	"chat-relay/runtime"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var epoch = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

type testConnection struct {
	mu       sync.Mutex
	id       string
	identity domain.Identity
	events   []event.DomainEvent
}

func newConnection(userID string) *testConnection {
	return &testConnection{id: uuid.NewString(), identity: domain.Identity{UserID: userID, Role: "guest"}}
}

func (c *testConnection) ID() string                { return c.id }
func (c *testConnection) UserID() string            { return c.identity.UserID }
func (c *testConnection) Identity() domain.Identity { return c.identity }

func (c *testConnection) Consume(_ context.Context, e event.DomainEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, e)
	return nil
}

func (c *testConnection) Events() []event.DomainEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]event.DomainEvent{}, c.events...)
}

func eventsOf[T event.DomainEvent](c *testConnection) []T {
	var found []T
	for _, e := range c.Events() {
		if typed, ok := e.(T); ok {
			found = append(found, typed)
		}
	}
	return found
}

type fixture struct {
	service    *ChatService
	registry   *runtime.Registry
	repository *repositories.ConversationRepository
	index      *repositories.MessageIndex
	clock      *clock.FakeClock
}

func newFilter(t *testing.T) *moderation.Filter {
	t.Helper()
	filter, err := moderation.NewFilter([]string{"badger"}, '*')
	require.NoError(t, err)
	return filter
}

func newIndex(t *testing.T) *repositories.MessageIndex {
	t.Helper()
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	return repositories.NewMessageIndex(writer, slog.Default())
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.Fake(epoch)
	log := slog.Default()
	repository := repositories.NewConversationRepository(db, log, clk)
	registry := runtime.NewRegistry(log)
	index := newIndex(t)
	return fixture{
		service:    NewChatService(log, repository, registry, repository, index, newFilter(t), clk, NewValidator(500)),
		registry:   registry,
		repository: repository,
		index:      index,
		clock:      clk,
	}
}

func (f fixture) connect(userID string) *testConnection {
	conn := newConnection(userID)
	f.registry.Attach(conn)
	return conn
}

func TestChatService_First_Message_Creates_Conversation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.connect("alice"), f.connect("bob")

	// When alice sends "Hello" to bob with no prior conversation
	err := f.service.SendMessage(ctx, alice, domain.SendMessageCommand{
		RecipientID:  "bob",
		Content:      "Hello",
		ClientTempID: "t1",
	})
	req.NoError(err)

	// Then alice is acknowledged with a server id
	acks := eventsOf[event.MessageAcknowledged](alice)
	req.Len(acks, 1)
	req.Equal("t1", acks[0].ClientTempID)
	req.NotEmpty(acks[0].ServerID)
	req.True(epoch.Equal(acks[0].CreatedAt))

	// And the conversation exists with both participants and one message
	conversations, err := f.repository.ListConversations(ctx, "bob")
	req.NoError(err)
	req.Len(conversations, 1)
	req.Equal([2]string{"alice", "bob"}, conversations[0].Participants())
	page, err := f.repository.History(ctx, conversations[0].ID, nil, 10)
	req.NoError(err)
	req.Len(page.Messages, 1)
	req.Equal("bob", page.Messages[0].RecipientID)
	req.Equal(domain.SenderKind("guest"), page.Messages[0].SenderKind)

	// And bob's private channel got a notification with his unread count
	notifications := eventsOf[event.MessageNotification](bob)
	req.Len(notifications, 1)
	req.GreaterOrEqual(notifications[0].UnreadCount, 1)
	req.Equal(acks[0].ServerID, notifications[0].Message.ID)

	// And alice's connection now listens to the conversation room
	req.Contains(f.registry.Rooms(alice), string(conversations[0].ID))
}

func TestChatService_Broadcast_Reaches_Joined_Counterpart(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice, alicePhone, bob := f.connect("alice"), f.connect("alice"), f.connect("bob")

	conversation, err := f.service.OpenConversation(ctx, alice, domain.OpenConversationCommand{CounterpartID: "bob"})
	req.NoError(err)
	f.service.JoinRoom(conversation.ID, bob)
	f.service.JoinRoom(conversation.ID, alicePhone)

	req.NoError(f.service.SendMessage(ctx, alice, domain.SendMessageCommand{
		ConversationID: conversation.ID,
		Content:        "Hello",
		ClientTempID:   "t1",
	}))

	// Then bob and alice's other device receive the full message
	for _, conn := range []*testConnection{bob, alicePhone} {
		received := eventsOf[event.NewMessage](conn)
		req.Len(received, 1)
		req.Equal("Hello", received[0].Message.Content)
		req.Equal("bob", received[0].Message.RecipientID)
	}
	// And only the sending connection is acknowledged
	req.Len(eventsOf[event.MessageAcknowledged](alice), 1)
	req.Empty(eventsOf[event.MessageAcknowledged](alicePhone))
}

func TestChatService_MarkRead_Broadcasts_Once(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.connect("alice"), f.connect("bob")

	conversation, err := f.service.OpenConversation(ctx, alice, domain.OpenConversationCommand{CounterpartID: "bob"})
	req.NoError(err)
	f.service.JoinRoom(conversation.ID, bob)
	req.NoError(f.service.SendMessage(ctx, alice, domain.SendMessageCommand{
		ConversationID: conversation.ID, Content: "Hello", ClientTempID: "t1",
	}))
	messageID := domain.MessageID(eventsOf[event.MessageAcknowledged](alice)[0].ServerID)

	// When bob marks the message as read
	f.clock.Advance(time.Minute)
	changed, err := f.service.MarkRead(ctx, bob.Identity(), domain.MarkReadCommand{
		ConversationID: conversation.ID, MessageIDs: []domain.MessageID{messageID},
	})
	req.NoError(err)
	req.Equal([]domain.MessageID{messageID}, changed)

	// Then alice receives the receipt and bob does not
	receipts := eventsOf[event.MessagesRead](alice)
	req.Len(receipts, 1)
	req.Equal("bob", receipts[0].ReaderID)
	req.Equal([]string{string(messageID)}, receipts[0].MessageIDs)
	req.Empty(eventsOf[event.MessagesRead](bob))

	page, err := f.repository.History(ctx, conversation.ID, nil, 10)
	req.NoError(err)
	req.NotNil(page.Messages[0].ReadAt)
	req.True(epoch.Add(time.Minute).Equal(*page.Messages[0].ReadAt))

	// When he marks it again
	changed, err = f.service.MarkRead(ctx, bob.Identity(), domain.MarkReadCommand{
		ConversationID: conversation.ID, MessageIDs: []domain.MessageID{messageID},
	})

	// Then nothing changes and nothing is broadcast
	req.NoError(err)
	req.Empty(changed)
	req.Len(eventsOf[event.MessagesRead](alice), 1)
}

func TestChatService_Unauthorized_Sender_Writes_Nothing(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice, bob, carol := f.connect("alice"), f.connect("bob"), f.connect("carol")

	conversation, err := f.service.OpenConversation(ctx, alice, domain.OpenConversationCommand{CounterpartID: "bob"})
	req.NoError(err)
	f.service.JoinRoom(conversation.ID, bob)
	// Joining is advisory and succeeds for anyone
	f.service.JoinRoom(conversation.ID, carol)

	// When carol tries to post into alice and bob's conversation
	err = f.service.SendMessage(ctx, carol, domain.SendMessageCommand{
		ConversationID: conversation.ID, Content: "intrusion", ClientTempID: "c1",
	})

	// Then she alone is told it was refused
	req.ErrorIs(err, errors.ErrUnauthorized)
	failures := eventsOf[event.MessageFailed](carol)
	req.Len(failures, 1)
	req.Equal(event.MessageFailed{ClientTempID: "c1", Reason: errors.ReasonUnauthorized}, failures[0])

	// And nothing was written nor delivered
	page, err := f.repository.History(ctx, conversation.ID, nil, 10)
	req.NoError(err)
	req.Empty(page.Messages)
	req.Empty(bob.Events())
	req.Empty(eventsOf[event.NewMessage](alice))

	// And she cannot read the history or relay typing either
	_, err = f.service.FetchHistory(ctx, carol.Identity(), domain.HistoryQuery{ConversationID: conversation.ID})
	req.ErrorIs(err, errors.ErrUnauthorized)
	req.ErrorIs(f.service.Typing(ctx, carol.Identity(), conversation.ID, true), errors.ErrUnauthorized)
}

func TestChatService_Unknown_Conversation(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.connect("alice")

	err := f.service.SendMessage(context.Background(), alice, domain.SendMessageCommand{
		ConversationID: "missing", Content: "Hello", ClientTempID: "t1",
	})

	req.ErrorIs(err, errors.ErrConversationNotFound)
	req.Equal(errors.ReasonConversationNotFound, eventsOf[event.MessageFailed](alice)[0].Reason)
}

func TestChatService_Store_Outage_Fails_Sender_Only(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	repository := mocks.NewMockIConversationRepository(ctrl)
	registry := mocks.NewMockIRegistry(ctrl)
	unread := mocks.NewMockUnreadCounter(ctrl)
	conn := mocks.NewMockConnection(ctrl)
	index := mocks.NewMockMessageIndex(ctrl)
	service := NewChatService(slog.Default(), repository, registry, unread, index, newFilter(t), clock.Fake(epoch), NewValidator(500))

	conversation := domain.Conversation{ID: "c1", RequesterID: "alice", CounterpartID: "bob"}
	conn.EXPECT().UserID().Return("alice").AnyTimes()
	conn.EXPECT().Identity().Return(domain.Identity{UserID: "alice", Role: "guest"}).AnyTimes()
	repository.EXPECT().GetConversation(gomock.Any(), domain.ConversationID("c1")).Return(conversation, nil)

	// Given the store is down
	repository.EXPECT().CreateMessage(gomock.Any(), gomock.Any()).
		Return(domain.Message{}, domain.Conversation{}, fmt.Errorf("%w: disk unavailable", errors.ErrPersistenceFailure))

	// Then the sender gets a failure carrying its temp id, and nobody else
	// hears anything: the registry, the index and the unread counter are
	// never called
	conn.EXPECT().Consume(gomock.Any(), event.MessageFailed{
		ClientTempID: "t1",
		Reason:       errors.ReasonPersistenceFailure,
	}).Return(nil).Times(1)

	err := service.SendMessage(context.Background(), conn, domain.SendMessageCommand{
		ConversationID: "c1", Content: "Hello", ClientTempID: "t1",
	})
	req.ErrorIs(err, errors.ErrPersistenceFailure)
}

func TestChatService_Store_Outage_Leaves_No_Row(t *testing.T) {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	clk := clock.Fake(epoch)
	repository := repositories.NewConversationRepository(db, slog.Default(), clk)
	registry := runtime.NewRegistry(slog.Default())
	service := NewChatService(slog.Default(), repository, registry, repository, newIndex(t), newFilter(t), clk, NewValidator(500))
	alice, bob := newConnection("alice"), newConnection("bob")
	registry.Attach(alice)
	registry.Attach(bob)

	conversation, err := service.OpenConversation(context.Background(), alice, domain.OpenConversationCommand{CounterpartID: "bob"})
	req.NoError(err)
	registry.Join(conversation.ID, bob)

	// Given the store goes away
	req.NoError(db.Close())

	err = service.SendMessage(context.Background(), alice, domain.SendMessageCommand{
		ConversationID: conversation.ID, Content: "Hello", ClientTempID: "t1",
	})

	req.Error(err)
	req.Equal("t1", eventsOf[event.MessageFailed](alice)[0].ClientTempID)
	req.Empty(eventsOf[event.MessageAcknowledged](alice))
	req.Empty(bob.Events())
}

func TestChatService_Rejects_Invalid_Sends(t *testing.T) {
	f := newFixture(t)
	alice := f.connect("alice")
	conversation, err := f.service.OpenConversation(context.Background(), alice, domain.OpenConversationCommand{CounterpartID: "bob"})
	require.NoError(t, err)

	tests := []struct {
		name string
		cmd  domain.SendMessageCommand
	}{
		{"Blank content without attachment", domain.SendMessageCommand{ConversationID: conversation.ID, Content: "   ", ClientTempID: "t"}},
		{"Content too long", domain.SendMessageCommand{ConversationID: conversation.ID, Content: strings.Repeat("a", 501), ClientTempID: "t"}},
		{"Missing temp id", domain.SendMessageCommand{ConversationID: conversation.ID, Content: "hi"}},
		{"Neither conversation nor recipient", domain.SendMessageCommand{Content: "hi", ClientTempID: "t"}},
		{"Unknown mime kind", domain.SendMessageCommand{ConversationID: conversation.ID, ClientTempID: "t",
			Attachments: []domain.AttachmentInput{{URL: "https://cdn.example.com/x", MimeKind: "application/x-made-up"}}}},
		{"Attachment without url", domain.SendMessageCommand{ConversationID: conversation.ID, ClientTempID: "t",
			Attachments: []domain.AttachmentInput{{URL: "not a url", MimeKind: "image/png"}}}},
		{"Message to oneself", domain.SendMessageCommand{RecipientID: "alice", Content: "hi", ClientTempID: "t"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := f.service.SendMessage(context.Background(), alice, tt.cmd)
			require.Error(t, err)
			failures := eventsOf[event.MessageFailed](alice)
			require.Equal(t, errors.ReasonInvalidRequest, failures[len(failures)-1].Reason)
		})
	}
}

func TestChatService_Attachment_Only_Message(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	alice := f.connect("alice")
	conversation, err := f.service.OpenConversation(context.Background(), alice, domain.OpenConversationCommand{CounterpartID: "bob"})
	req.NoError(err)

	req.NoError(f.service.SendMessage(context.Background(), alice, domain.SendMessageCommand{
		ConversationID: conversation.ID,
		ClientTempID:   "t1",
		Attachments:    []domain.AttachmentInput{{URL: "https://cdn.example.com/plan.pdf", MimeKind: "application/pdf"}},
	}))

	page, err := f.repository.History(context.Background(), conversation.ID, nil, 10)
	req.NoError(err)
	req.Len(page.Messages[0].Attachments, 1)
	req.Equal("alice", page.Messages[0].Attachments[0].OwnerID)
}

func TestChatService_FetchHistory_Limits(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	repository := mocks.NewMockIConversationRepository(ctrl)
	service := NewChatService(slog.Default(), repository, mocks.NewMockIRegistry(ctrl), mocks.NewMockUnreadCounter(ctrl),
		mocks.NewMockMessageIndex(ctrl), newFilter(t), clock.Fake(epoch), NewValidator(500))
	alice := domain.Identity{UserID: "alice"}
	conversation := domain.Conversation{ID: "c1", RequesterID: "alice", CounterpartID: "bob"}

	repository.EXPECT().GetConversation(gomock.Any(), conversation.ID).Return(conversation, nil).Times(2)
	repository.EXPECT().History(gomock.Any(), conversation.ID, nil, DefaultHistoryLimit).Return(domain.HistoryPage{}, nil)
	repository.EXPECT().History(gomock.Any(), conversation.ID, lo.ToPtr("abc"), 5).Return(domain.HistoryPage{HasMore: true}, nil)

	_, err := service.FetchHistory(context.Background(), alice, domain.HistoryQuery{ConversationID: "c1"})
	req.NoError(err)
	page, err := service.FetchHistory(context.Background(), alice, domain.HistoryQuery{ConversationID: "c1", Cursor: lo.ToPtr("abc"), Limit: 5})
	req.NoError(err)
	req.True(page.HasMore)

	_, err = service.FetchHistory(context.Background(), alice, domain.HistoryQuery{ConversationID: "c1", Limit: MaxHistoryLimit + 1})
	req.ErrorIs(err, errors.ErrInvalidRequest)
}

func TestChatService_Typing_Excludes_Typist(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.connect("alice"), f.connect("bob")
	conversation, err := f.service.OpenConversation(ctx, alice, domain.OpenConversationCommand{CounterpartID: "bob"})
	req.NoError(err)
	f.service.JoinRoom(conversation.ID, bob)

	req.NoError(f.service.Typing(ctx, alice.Identity(), conversation.ID, true))
	req.NoError(f.service.Typing(ctx, alice.Identity(), conversation.ID, false))

	req.Equal([]event.DomainEvent{
		event.TypingStarted{ConversationID: string(conversation.ID), UserID: "alice"},
		event.TypingStopped{ConversationID: string(conversation.ID), UserID: "alice"},
	}, bob.Events())
	req.Empty(alice.Events())

	// When bob leaves the room he stops hearing it
	f.service.LeaveRoom(conversation.ID, bob)
	req.NoError(f.service.Typing(ctx, alice.Identity(), conversation.ID, true))
	req.Len(bob.Events(), 2)
}

func TestChatService_Recipient_Is_Other_Participant_Under_Concurrency(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.connect("alice"), f.connect("bob")
	conversation, err := f.service.OpenConversation(ctx, alice, domain.OpenConversationCommand{CounterpartID: "bob"})
	req.NoError(err)

	// Given twenty sends racing into the same conversation
	const sends = 20
	var wg sync.WaitGroup
	errs := make(chan error, sends)
	for i := 0; i < sends; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn := lo.Ternary(i%2 == 0, alice, bob)
			errs <- f.service.SendMessage(ctx, conn, domain.SendMessageCommand{
				ConversationID: conversation.ID,
				Content:        fmt.Sprintf("m%d", i),
				ClientTempID:   fmt.Sprintf("t%d", i),
			})
		}(i)
	}
	wg.Wait()
	close(errs)

	// Then none of them fails and every one is stored
	for err := range errs {
		req.NoError(err)
	}
	req.Empty(eventsOf[event.MessageFailed](alice))
	req.Empty(eventsOf[event.MessageFailed](bob))
	req.Len(eventsOf[event.MessageAcknowledged](alice), sends/2)
	req.Len(eventsOf[event.MessageAcknowledged](bob), sends/2)

	page, err := f.repository.History(ctx, conversation.ID, nil, 100)
	req.NoError(err)
	req.Len(page.Messages, sends)
	for _, m := range page.Messages {
		other, ok := conversation.Other(m.SenderID)
		req.True(ok)
		req.Equal(other, m.RecipientID)
	}
}

func TestChatService_Censors_And_Indexes(t *testing.T) {
	req := require.New(t)
	f := newFixture(t)
	ctx := context.Background()
	alice, bob := f.connect("alice"), f.connect("bob")
	conversation, err := f.service.OpenConversation(ctx, alice, domain.OpenConversationCommand{CounterpartID: "bob"})
	req.NoError(err)
	f.service.JoinRoom(conversation.ID, bob)

	// When alice sends a message with a forbidden word
	req.NoError(f.service.SendMessage(ctx, alice, domain.SendMessageCommand{
		ConversationID: conversation.ID, Content: "the Badger ate my lunch", ClientTempID: "t1",
	}))

	// Then the stored and delivered content is masked
	req.Equal("the ****** ate my lunch", eventsOf[event.NewMessage](bob)[0].Message.Content)
	page, err := f.repository.History(ctx, conversation.ID, nil, 1)
	req.NoError(err)
	req.Equal("the ****** ate my lunch", page.Messages[0].Content)

	// And participants can search it, outsiders cannot
	hits, err := f.service.SearchMessages(ctx, bob.Identity(), domain.SearchQuery{ConversationID: conversation.ID, Text: "lunch"})
	req.NoError(err)
	req.Len(hits, 1)
	req.Equal(page.Messages[0].ID, hits[0].MessageID)

	_, err = f.service.SearchMessages(ctx, domain.Identity{UserID: "carol"}, domain.SearchQuery{ConversationID: conversation.ID, Text: "lunch"})
	req.ErrorIs(err, errors.ErrUnauthorized)
	_, err = f.service.SearchMessages(ctx, bob.Identity(), domain.SearchQuery{ConversationID: conversation.ID})
	req.ErrorIs(err, errors.ErrInvalidRequest)
}

func TestChatService_Stores_Filtered_Content(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	repository := mocks.NewMockIConversationRepository(ctrl)
	registry := mocks.NewMockIRegistry(ctrl)
	unread := mocks.NewMockUnreadCounter(ctrl)
	conn := mocks.NewMockConnection(ctrl)
	index := mocks.NewMockMessageIndex(ctrl)
	filter := mocks.NewMockContentFilter(ctrl)
	service := NewChatService(slog.Default(), repository, registry, unread, index, filter, clock.Fake(epoch), NewValidator(500))

	conversation := domain.Conversation{ID: "c1", RequesterID: "alice", CounterpartID: "bob"}
	stored := domain.Message{ID: "m1", ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Content: "[masked]", CreatedAt: epoch}
	conn.EXPECT().UserID().Return("alice").AnyTimes()
	conn.EXPECT().Identity().Return(domain.Identity{UserID: "alice", Role: "guest"}).AnyTimes()

	// Given a filter that masks the whole text
	// Then the repository only ever sees the masked content
	gomock.InOrder(
		filter.EXPECT().Censor("raw words").Return("[masked]"),
		repository.EXPECT().CreateMessage(gomock.Any(), repositories.MessageDraft{
			SenderID:    "alice",
			RecipientID: "bob",
			Content:     "[masked]",
			SenderKind:  "guest",
		}).Return(stored, conversation, nil),
	)
	registry.EXPECT().Join(domain.ConversationID("c1"), conn)
	conn.EXPECT().Consume(gomock.Any(), event.MessageAcknowledged{
		ClientTempID: "t1", ServerID: "m1", ConversationID: "c1", CreatedAt: epoch,
	}).Return(nil)
	registry.EXPECT().Broadcast(gomock.Any(), domain.ConversationID("c1"), event.NewMessage{Message: event.FromMessage(stored)}, "").Return(1)
	index.EXPECT().Index(gomock.Any(), stored).Return(nil)
	unread.EXPECT().UnreadCount(gomock.Any(), "bob").Return(1, nil)
	registry.EXPECT().NotifyUser(gomock.Any(), "bob", event.MessageNotification{Message: event.FromMessage(stored), UnreadCount: 1}).Return(1)

	// When alice sends a first message to bob
	err := service.SendMessage(context.Background(), conn, domain.SendMessageCommand{
		RecipientID: "bob", Content: "raw words", ClientTempID: "t1",
	})

	req.NoError(err)
}
