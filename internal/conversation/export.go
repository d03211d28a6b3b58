package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/helioshq/deskagent/internal/apperr"
	"github.com/helioshq/deskagent/internal/models"
)

type ExportFormat string

const (
	ExportJSON ExportFormat = "json"
	ExportText ExportFormat = "text"
)

type exportEnvelope struct {
	Conversation *models.Conversation `json:"conversation"`
	Messages     []models.Message     `json:"messages"`
}

// Export renders a transcript as structured JSON or a readable text
// transcript. Unknown formats fail validation before any lookup.
func (s *Store) Export(ctx context.Context, userID int64, threadID string, format ExportFormat) ([]byte, error) {
	const op = "conversation.Export"
	if format != ExportJSON && format != ExportText {
		return nil, apperr.Validation(op, "unsupported export format %q", format)
	}

	conv, messages, err := s.Get(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}

	if format == ExportJSON {
		data, err := json.MarshalIndent(exportEnvelope{Conversation: conv, Messages: messages}, "", "  ")
		if err != nil {
			return nil, apperr.Persistence(op, err)
		}
		return data, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Conversation: %s\n", conv.Title)
	fmt.Fprintf(&b, "Thread:       %s\n", conv.ThreadID)
	fmt.Fprintf(&b, "Messages:     %d\n", conv.MessageCount)
	fmt.Fprintf(&b, "Created:      %s\n", conv.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(&b, "Updated:      %s\n", conv.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	b.WriteString("\n")

	for _, m := range messages {
		fmt.Fprintf(&b, "%s:%s\n%s\n\n", strings.ToUpper(string(m.Role)), attachmentNote(m.Attachment), m.Content)
	}
	return []byte(b.String()), nil
}
