package storage

import (
	"bufio"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileArchiver_Appends_Json_Lines(t *testing.T) {
	req := require.New(t)
	path := filepath.Join(t.TempDir(), "cold", "archive.jsonl")
	archiver := NewFileArchiver(slog.Default(), path)
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	// When two batches are archived
	req.NoError(archiver.Archive(context.Background(), []domain.Message{
		{ID: "m1", ConversationID: "c1", SenderID: "alice", RecipientID: "bob", Content: "one", CreatedAt: at},
		{ID: "m2", ConversationID: "c1", SenderID: "bob", RecipientID: "alice", Content: "two", CreatedAt: at},
	}))
	req.NoError(archiver.Archive(context.Background(), []domain.Message{
		{ID: "m3", ConversationID: "c2", SenderID: "carol", RecipientID: "bob", Content: "three", CreatedAt: at},
	}))
	req.NoError(archiver.Archive(context.Background(), nil))

	// Then the file holds one message per line, in order
	file, err := os.Open(path)
	req.NoError(err)
	defer file.Close()
	var ids []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var message event.Message
		req.NoError(json.Unmarshal(scanner.Bytes(), &message))
		req.Equal(at, message.CreatedAt)
		ids = append(ids, message.ID)
	}
	req.NoError(scanner.Err())
	req.Equal([]string{"m1", "m2", "m3"}, ids)
}
