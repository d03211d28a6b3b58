package conversation

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/helioshq/deskagent/internal/apperr"
	"github.com/helioshq/deskagent/internal/models"
)

type DateRange string

const (
	DateRangeAll   DateRange = ""
	DateRangeToday DateRange = "today"
	DateRange7d    DateRange = "7d"
	DateRange30d   DateRange = "30d"
	DateRange90d   DateRange = "90d"
	DateRange365d  DateRange = "365d"
)

type MessageType string

const (
	MessageTypeAll        MessageType = ""
	MessageTypeUser       MessageType = "user"
	MessageTypeAssistant  MessageType = "assistant"
	MessageTypeImages     MessageType = "images"
	MessageTypeSchematics MessageType = "schematics"
)

type SortOrder string

const (
	SortNewest    SortOrder = "newest"
	SortOldest    SortOrder = "oldest"
	SortLongest   SortOrder = "longest"
	SortRelevance SortOrder = "relevance"
)

type Filters struct {
	DateRange   DateRange
	MessageType MessageType
	Sort        SortOrder
}

const (
	defaultSearchLimit = 20
	snippetLength      = 200
)

// schematicTerms is the content heuristic behind MessageTypeSchematics:
// domain synonyms users reach for when they mean technical drawings.
var schematicTerms = []string{"schematic", "diagram", "blueprint", "wiring", "circuit", "drawing"}

// Snippet is one matching message, truncated for display.
type Snippet struct {
	Role    models.MessageRole `json:"role"`
	Content string             `json:"content"`
}

// SearchResult groups a conversation's matching snippets.
type SearchResult struct {
	ThreadID   string    `json:"thread_id"`
	Title      string    `json:"title"`
	UpdatedAt  time.Time `json:"updated_at"`
	TitleMatch bool      `json:"title_match"`
	Snippets   []Snippet `json:"snippets"`
}

func (r DateRange) since(now time.Time) (time.Time, error) {
	switch r {
	case DateRangeAll:
		return time.Time{}, nil
	case DateRangeToday:
		y, m, d := now.Date()
		return time.Date(y, m, d, 0, 0, 0, 0, now.Location()), nil
	case DateRange7d:
		return now.AddDate(0, 0, -7), nil
	case DateRange30d:
		return now.AddDate(0, 0, -30), nil
	case DateRange90d:
		return now.AddDate(0, 0, -90), nil
	case DateRange365d:
		return now.AddDate(0, 0, -365), nil
	default:
		return time.Time{}, apperr.Validation("conversation.Search", "unknown date range %q", r)
	}
}

func matchesType(m models.Message, t MessageType) bool {
	switch t {
	case MessageTypeAll:
		return true
	case MessageTypeUser:
		return m.Role == models.MessageRoleUser
	case MessageTypeAssistant:
		return m.Role == models.MessageRoleAssistant
	case MessageTypeImages:
		return m.Attachment != nil
	case MessageTypeSchematics:
		content := strings.ToLower(m.Content)
		for _, term := range schematicTerms {
			if strings.Contains(content, term) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func validType(t MessageType) bool {
	switch t {
	case MessageTypeAll, MessageTypeUser, MessageTypeAssistant, MessageTypeImages, MessageTypeSchematics:
		return true
	}
	return false
}

func validSort(o SortOrder) bool {
	switch o {
	case "", SortNewest, SortOldest, SortLongest, SortRelevance:
		return true
	}
	return false
}

func snippet(content string) string {
	runes := []rune(content)
	if len(runes) <= snippetLength {
		return content
	}
	return string(runes[:snippetLength]) + "…"
}

// Search matches text as a case-insensitive substring against conversation
// titles and message contents, scoped to the user, and returns results
// grouped by conversation.
func (s *Store) Search(ctx context.Context, userID int64, text string, filters Filters, limit int) ([]SearchResult, error) {
	const op = "conversation.Search"
	if strings.TrimSpace(text) == "" {
		return nil, apperr.Validation(op, "search text is required")
	}
	if !validType(filters.MessageType) {
		return nil, apperr.Validation(op, "unknown message type %q", filters.MessageType)
	}
	if !validSort(filters.Sort) {
		return nil, apperr.Validation(op, "unknown sort order %q", filters.Sort)
	}
	since, err := filters.DateRange.since(time.Now())
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	candidates, err := s.storage.SearchCandidates(ctx, userID, text, since)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(text)
	results := make([]SearchResult, 0, len(candidates))
	for _, cand := range candidates {
		// Messages matching the text; a title-only match falls back to
		// the whole transcript before the type filter is applied.
		matched := make([]models.Message, 0, len(cand.Messages))
		for _, m := range cand.Messages {
			if strings.Contains(strings.ToLower(m.Content), needle) {
				matched = append(matched, m)
			}
		}
		if len(matched) == 0 && cand.TitleMatch {
			matched = cand.Messages
		}

		if filters.MessageType != MessageTypeAll {
			filtered := matched[:0]
			for _, m := range matched {
				if matchesType(m, filters.MessageType) {
					filtered = append(filtered, m)
				}
			}
			matched = filtered
		}
		if len(matched) == 0 {
			continue
		}

		snippets := make([]Snippet, 0, len(matched))
		for _, m := range matched {
			snippets = append(snippets, Snippet{Role: m.Role, Content: snippet(m.Content)})
		}
		results = append(results, SearchResult{
			ThreadID:   cand.Conversation.ThreadID,
			Title:      cand.Conversation.Title,
			UpdatedAt:  cand.Conversation.UpdatedAt,
			TitleMatch: cand.TitleMatch,
			Snippets:   snippets,
		})
	}

	sortResults(results, filters.Sort)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

func sortResults(results []SearchResult, order SortOrder) {
	switch order {
	case SortOldest:
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].UpdatedAt.Before(results[j].UpdatedAt)
		})
	case SortLongest:
		length := func(r SearchResult) int {
			total := 0
			for _, sn := range r.Snippets {
				total += len(sn.Content)
			}
			return total
		}
		sort.SliceStable(results, func(i, j int) bool {
			return length(results[i]) > length(results[j])
		})
	case SortRelevance:
		// Title matches rank ahead of body-only matches, recency breaks ties.
		sort.SliceStable(results, func(i, j int) bool {
			if results[i].TitleMatch != results[j].TitleMatch {
				return results[i].TitleMatch
			}
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		})
	default: // SortNewest
		sort.SliceStable(results, func(i, j int) bool {
			return results[i].UpdatedAt.After(results[j].UpdatedAt)
		})
	}
}
