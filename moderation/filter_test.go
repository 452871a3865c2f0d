package moderation

import (
	"context"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/require"
)

const mask = '*'

// Dictionary words are chosen so that none hides inside a common word.
func TestFilter_Censor(t *testing.T) {
	filter, err := NewFilter([]string{"badger", "snake", "mushroom"}, mask)
	require.NoError(t, err)

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"Simple word keeps spacing", "The badger is here", "The ****** is here"},
		{"Repeated word", "badger badger badger", "****** ****** ******"},
		{"Leet speak and inner punctuation", "Look at B.4.d.g.€r !", "Look at ********** !"},
		{"Uppercase and noise", "S-N-A-K-E is a B.A.D.G.E.R", "********* is a ***********"},
		{"Accents are untouched", "Un été avec un badger", "Un été avec un ******"},
		{"Trailing punctuation kept", "I love badger!", "I love ******!"},
		{"Nothing to censor", "See you at noon", "See you at noon"},
		{"Empty content", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.expected, filter.Censor(tt.input))
		})
	}
}

func TestFilter_Empty_Dictionary_Is_Passthrough(t *testing.T) {
	req := require.New(t)
	filter, err := NewFilter([]string{"", " ", "..."}, mask)
	req.NoError(err)
	req.Equal("badger", filter.Censor("badger"))

	var none *Filter
	req.Equal("badger", none.Censor("badger"))
}

func TestWordList_Load(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	defer db.Close()
	list := NewWordList(db)

	// Given two stored words, one removed afterwards
	req.NoError(list.Add(" Snake ", "badger", ""))
	req.NoError(list.Remove("badger"))

	words, err := list.Words(ctx)
	req.NoError(err)
	req.Equal([]string{"snake"}, words)

	// When the filter is built from the list
	filter, err := list.Load(ctx, '#')
	req.NoError(err)

	// Then only the remaining word is masked
	req.Equal("a ##### and a badger", filter.Censor("a snake and a badger"))
}
