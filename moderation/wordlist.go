package moderation

import (
	"context"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

const wordPrefix = "blacklist:"

// WordList keeps the forbidden words in Badger, one key per word.
type WordList struct {
	db *badger.DB
}

func NewWordList(db *badger.DB) *WordList {
	return &WordList{db: db}
}

// Add stores the words, lowercased. Blank entries are skipped.
func (l *WordList) Add(words ...string) error {
	wb := l.db.NewWriteBatch()
	for _, word := range words {
		word = strings.ToLower(strings.TrimSpace(word))
		if word == "" {
			continue
		}
		if err := wb.Set([]byte(wordPrefix+word), nil); err != nil {
			wb.Cancel()
			return err
		}
	}
	return wb.Flush()
}

func (l *WordList) Remove(word string) error {
	return l.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(wordPrefix + strings.ToLower(strings.TrimSpace(word))))
	})
}

// Words lists every stored word. Only keys are read.
func (l *WordList) Words(ctx context.Context) ([]string, error) {
	var words []string
	err := l.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		options.PrefetchValues = false
		it := txn.NewIterator(options)
		defer it.Close()

		prefix := []byte(wordPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			words = append(words, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return words, err
}

// Load builds a filter from the stored words.
func (l *WordList) Load(ctx context.Context, mask rune) (*Filter, error) {
	words, err := l.Words(ctx)
	if err != nil {
		return nil, err
	}
	return NewFilter(words, mask)
}
