//go:generate go run go.uber.org/mock/mockgen -source=retention_service.go -destination=../mocks/mock_retention_service.go -package=mocks
package services

import (
	"chat-relay/clock"
	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/repositories"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/samber/lo"
)

const archiveBatchSize = 200

type IRetentionService interface {
	ArchiveOlderThan(ctx context.Context, days int) (int, error)
	PruneInactiveConversations(ctx context.Context, days int) (int, error)
}

// RetentionService moves old messages out of the live store and drops
// conversations nobody wrote to for a while. Both sweeps can be replayed
// with the same cutoff after a partial run: what is already gone is simply
// not found again.
type RetentionService struct {
	log        *slog.Logger
	repository repositories.IRetentionRepository
	archiver   contract.Archiver
	index      contract.MessageIndex
	clock      clock.Clock
}

func NewRetentionService(
	log *slog.Logger,
	repository repositories.IRetentionRepository,
	archiver contract.Archiver,
	index contract.MessageIndex,
	clk clock.Clock,
) *RetentionService {
	return &RetentionService{log: log, repository: repository, archiver: archiver, index: index, clock: clk}
}

// ArchiveOlderThan hands every message older than days to the archiver,
// removes it from the live store and records an audit entry. It returns
// the number of messages removed by this run.
func (s *RetentionService) ArchiveOlderThan(ctx context.Context, days int) (int, error) {
	now := s.clock.Now()
	cutoff := cutoffFor(now, days)
	total := 0
	for {
		messages, err := s.repository.MessagesBefore(ctx, cutoff, archiveBatchSize)
		if err != nil {
			return total, fmt.Errorf("select messages before %s: %w", cutoff, err)
		}
		if len(messages) == 0 {
			break
		}
		if err = s.archiver.Archive(ctx, messages); err != nil {
			return total, fmt.Errorf("archive: %w", err)
		}
		ids := lo.Map(messages, func(m domain.Message, _ int) domain.MessageID { return m.ID })
		deleted, err := s.repository.DeleteMessages(ctx, ids)
		total += deleted
		if err != nil {
			return total, fmt.Errorf("delete archived messages: %w", err)
		}
		if err = s.index.Remove(ctx, ids); err != nil {
			s.log.Warn("Archived messages left in search index", "count", len(ids), "error", err)
		}
		if deleted == 0 {
			break
		}
	}

	if total > 0 {
		err := s.repository.RecordArchive(ctx, repositories.ArchiveAudit{
			Count:      total,
			Cutoff:     cutoff.UnixNano(),
			ArchivedAt: now.UnixNano(),
		})
		if err != nil {
			return total, fmt.Errorf("record archive audit: %w", err)
		}
	}
	s.log.Info("Archive sweep done", "count", total, "cutoff", cutoff)
	return total, nil
}

// PruneInactiveConversations deletes conversations whose last activity is
// older than days, with their messages and attachments. It returns the
// number of conversations removed by this run.
func (s *RetentionService) PruneInactiveConversations(ctx context.Context, days int) (int, error) {
	cutoff := cutoffFor(s.clock.Now(), days)
	ids, err := s.repository.InactiveConversations(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("select inactive conversations: %w", err)
	}
	removed := 0
	for _, id := range ids {
		ok, err := s.repository.DeleteConversation(ctx, id, cutoff)
		if err != nil {
			return removed, fmt.Errorf("delete conversation %s: %w", id, err)
		}
		if !ok {
			continue
		}
		removed++
		if err = s.index.RemoveConversation(ctx, id); err != nil {
			s.log.Warn("Pruned conversation left in search index", "conversation_id", id, "error", err)
		}
	}
	s.log.Info("Prune sweep done", "count", removed, "cutoff", cutoff)
	return removed, nil
}

func cutoffFor(now time.Time, days int) time.Time {
	return now.Add(-time.Duration(days) * 24 * time.Hour)
}
