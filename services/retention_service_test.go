package services

import (
	"chat-relay/clock"
	"chat-relay/domain"
	"chat-relay/mocks"
	"chat-relay/repositories"
	"chat-relay/storage"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

const day = 24 * time.Hour

func TestRetentionService_Archive_Replay_Is_NoOp(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.Fake(epoch)
	repository := repositories.NewConversationRepository(db, slog.Default(), clk)
	archivePath := filepath.Join(t.TempDir(), "archive", "messages.jsonl")
	service := NewRetentionService(slog.Default(), repository, storage.NewFileArchiver(slog.Default(), archivePath), newIndex(t), clk)

	// Given three old messages and one recent
	for i := 0; i < 3; i++ {
		_, _, err = repository.CreateMessage(ctx, repositories.MessageDraft{
			SenderID: "alice", RecipientID: "bob", Content: fmt.Sprintf("old %d", i), SenderKind: "guest",
		})
		req.NoError(err)
		clk.Advance(time.Minute)
	}
	clk.Advance(40 * day)
	_, _, err = repository.CreateMessage(ctx, repositories.MessageDraft{
		SenderID: "bob", RecipientID: "alice", Content: "recent", SenderKind: "guest",
	})
	req.NoError(err)

	// When archiving messages older than 30 days
	count, err := service.ArchiveOlderThan(ctx, 30)

	// Then the three old ones moved to the archive
	req.NoError(err)
	req.Equal(3, count)
	raw, err := os.ReadFile(archivePath)
	req.NoError(err)
	req.Len(strings.Split(strings.TrimSpace(string(raw)), "\n"), 3)
	audits, err := repository.ArchiveAudits(ctx)
	req.NoError(err)
	req.Len(audits, 1)
	req.Equal(3, audits[0].Count)

	// When the sweep runs again with the same cutoff
	count, err = service.ArchiveOlderThan(ctx, 30)

	// Then nothing else is removed nor audited
	req.NoError(err)
	req.Zero(count)
	audits, err = repository.ArchiveAudits(ctx)
	req.NoError(err)
	req.Len(audits, 1)

	// And the recent message is still there
	unread, err := repository.UnreadCount(ctx, "alice")
	req.NoError(err)
	req.Equal(1, unread)
}

func TestRetentionService_Prune_Replay_Is_NoOp(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })
	clk := clock.Fake(epoch)
	repository := repositories.NewConversationRepository(db, slog.Default(), clk)
	index := newIndex(t)
	service := NewRetentionService(slog.Default(), repository, mocks.NewMockArchiver(gomock.NewController(t)), index, clk)

	stale, _, err := repository.CreateMessage(ctx, repositories.MessageDraft{SenderID: "alice", RecipientID: "bob", Content: "see you soon"})
	req.NoError(err)
	req.NoError(index.Index(ctx, stale))
	clk.Advance(100 * day)
	active, _, err := repository.CreateMessage(ctx, repositories.MessageDraft{SenderID: "carol", RecipientID: "dave", Content: "hi"})
	req.NoError(err)

	count, err := service.PruneInactiveConversations(ctx, 90)
	req.NoError(err)
	req.Equal(1, count)

	count, err = service.PruneInactiveConversations(ctx, 90)
	req.NoError(err)
	req.Zero(count)

	conversations, err := repository.ListConversations(ctx, "alice")
	req.NoError(err)
	req.Empty(conversations)
	_, err = repository.GetConversation(ctx, active.ConversationID)
	req.NoError(err)
	hits, err := index.Search(ctx, domain.SearchQuery{ConversationID: stale.ConversationID, Text: "soon"})
	req.NoError(err)
	req.Empty(hits)
}

func TestRetentionService_Archive_Failure_Keeps_Messages(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	repository := mocks.NewMockIRetentionRepository(ctrl)
	archiver := mocks.NewMockArchiver(ctrl)
	clk := clock.Fake(epoch)
	service := NewRetentionService(slog.Default(), repository, archiver, mocks.NewMockMessageIndex(ctrl), clk)
	batch := []domain.Message{{ID: "m1"}, {ID: "m2"}}

	repository.EXPECT().MessagesBefore(gomock.Any(), epoch.Add(-30*day), archiveBatchSize).Return(batch, nil)
	archiver.EXPECT().Archive(gomock.Any(), batch).Return(fmt.Errorf("disk full"))

	// Then the messages are neither deleted nor audited
	count, err := service.ArchiveOlderThan(context.Background(), 30)

	req.Error(err)
	req.Zero(count)
}

func TestRetentionService_Archive_Batches(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	repository := mocks.NewMockIRetentionRepository(ctrl)
	archiver := mocks.NewMockArchiver(ctrl)
	index := mocks.NewMockMessageIndex(ctrl)
	clk := clock.Fake(epoch)
	service := NewRetentionService(slog.Default(), repository, archiver, index, clk)
	cutoff := epoch.Add(-7 * day)
	first := []domain.Message{{ID: "m1"}, {ID: "m2"}}
	second := []domain.Message{{ID: "m3"}}

	gomock.InOrder(
		repository.EXPECT().MessagesBefore(gomock.Any(), cutoff, archiveBatchSize).Return(first, nil),
		archiver.EXPECT().Archive(gomock.Any(), first).Return(nil),
		repository.EXPECT().DeleteMessages(gomock.Any(), []domain.MessageID{"m1", "m2"}).Return(2, nil),
		index.EXPECT().Remove(gomock.Any(), []domain.MessageID{"m1", "m2"}).Return(nil),
		repository.EXPECT().MessagesBefore(gomock.Any(), cutoff, archiveBatchSize).Return(second, nil),
		archiver.EXPECT().Archive(gomock.Any(), second).Return(nil),
		repository.EXPECT().DeleteMessages(gomock.Any(), []domain.MessageID{"m3"}).Return(1, nil),
		index.EXPECT().Remove(gomock.Any(), []domain.MessageID{"m3"}).Return(fmt.Errorf("index closed")),
		repository.EXPECT().MessagesBefore(gomock.Any(), cutoff, archiveBatchSize).Return(nil, nil),
		repository.EXPECT().RecordArchive(gomock.Any(), repositories.ArchiveAudit{
			Count:      3,
			Cutoff:     cutoff.UnixNano(),
			ArchivedAt: epoch.UnixNano(),
		}).Return(nil),
	)

	count, err := service.ArchiveOlderThan(context.Background(), 7)

	// Then an index failure does not fail the sweep
	req.NoError(err)
	req.Equal(3, count)
}
