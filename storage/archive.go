package storage

import (
	"bufio"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileArchiver is the default cold storage: archived messages are appended
// to a JSON lines file, one message per line, in the wire format.
type FileArchiver struct {
	mu   sync.Mutex
	path string
	log  *slog.Logger
}

func NewFileArchiver(log *slog.Logger, path string) *FileArchiver {
	return &FileArchiver{path: path, log: log}
}

// Archive appends messages and syncs the file before returning, so the
// caller may delete them from the live store afterwards.
func (a *FileArchiver) Archive(ctx context.Context, messages []domain.Message) error {
	if len(messages) == 0 {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0o755); err != nil {
		return fmt.Errorf("archive directory: %w", err)
	}
	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	writer := bufio.NewWriter(file)
	encoder := json.NewEncoder(writer)
	for _, message := range messages {
		if err = ctx.Err(); err != nil {
			return err
		}
		if err = encoder.Encode(event.FromMessage(message)); err != nil {
			return fmt.Errorf("encode message %s: %w", message.ID, err)
		}
	}
	if err = writer.Flush(); err != nil {
		return err
	}
	if err = file.Sync(); err != nil {
		return err
	}
	a.log.Debug("Messages archived", "count", len(messages), "path", a.path)
	return nil
}
