package search

import (
	"chat-relay/domain"
	"strconv"
	"strings"
)

const defaultLimit = 10

// NewSearchQuery parses a terminal search command into a query for the
// conversation currently displayed.
// Example: /find invoice march --lang en --limit 5
func NewSearchQuery(conversationID domain.ConversationID, input string) domain.SearchQuery {
	query := domain.SearchQuery{
		ConversationID: conversationID,
		Limit:          defaultLimit,
	}

	parts := strings.Fields(input)
	var textTerms []string

	for i := 0; i < len(parts); i++ {
		part := parts[i]

		if strings.HasPrefix(part, "--") && i+1 < len(parts) {
			value := parts[i+1]
			switch strings.TrimPrefix(part, "--") {
			case "lang":
				query.Lang = strings.ToLower(value)
			case "limit":
				if limit, err := strconv.Atoi(value); err == nil {
					query.Limit = limit
				}
			}
			i++
			continue
		}

		// The command itself is not a term
		if !strings.HasPrefix(part, "/") {
			textTerms = append(textTerms, part)
		}
	}

	query.Text = strings.Join(textTerms, " ")
	return query
}
