package conversation

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/helioshq/deskagent/internal/apperr"
	"github.com/helioshq/deskagent/internal/models"
)

func imageMsg(content, filename string) models.Message {
	return models.Message{
		Role:       models.MessageRoleUser,
		Content:    content,
		Attachment: &models.Attachment{Kind: "image", Name: filename},
	}
}

func TestSearchTextMatchesTitleAndContent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, 7, "thread-title", "Heat pump schematic", []models.Message{
		userMsg("can you walk me through it"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(ctx, 7, "thread-body", "Tuesday chat", []models.Message{
		userMsg("where is the schematic for the compressor"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(ctx, 7, "thread-miss", "Unrelated", []models.Message{
		userMsg("totally different topic"),
	}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, 7, "SCHEMATIC", Filters{}, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2 (title match and body match)", len(results))
	}
	for _, r := range results {
		if r.ThreadID == "thread-miss" {
			t.Errorf("non-matching conversation returned")
		}
		if len(r.Snippets) == 0 {
			t.Errorf("result %s has no snippets", r.ThreadID)
		}
	}
}

func TestSearchScopedToUser(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, 8, "thread-other", "Schematic archive", []models.Message{
		userMsg("the schematic lives here"),
	}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, 7, "schematic", Filters{}, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("got %d results from another user's data", len(results))
	}
}

func TestSearchImagesFilterRequiresAttachment(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, 7, "thread-images", "Panel photos", []models.Message{
		imageMsg("here is the schematic you asked for", "panel.png"),
		userMsg("schematic looks wrong to me"),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Save(ctx, 7, "thread-text", "Text only", []models.Message{
		userMsg("discussing the schematic in words"),
	}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, 7, "schematic", Filters{MessageType: MessageTypeImages}, 0)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) != 1 || results[0].ThreadID != "thread-images" {
		t.Fatalf("results = %+v, want only the conversation with an attachment", results)
	}
	for _, sn := range results[0].Snippets {
		if sn.Content == "schematic looks wrong to me" {
			t.Errorf("attachment-less message passed the images filter")
		}
	}
}

func TestSearchRoleAndKeywordFilters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, 7, "thread-1", "Support chat", []models.Message{
		userMsg("my heater shows error E4"),
		assistantMsg("error E4 means low pressure, check the wiring diagram"),
	}); err != nil {
		t.Fatal(err)
	}

	assistantOnly, err := s.Search(ctx, 7, "error", Filters{MessageType: MessageTypeAssistant}, 0)
	if err != nil {
		t.Fatalf("Search assistant: %v", err)
	}
	if len(assistantOnly) != 1 || len(assistantOnly[0].Snippets) != 1 {
		t.Fatalf("assistant filter results = %+v", assistantOnly)
	}
	if assistantOnly[0].Snippets[0].Role != models.MessageRoleAssistant {
		t.Errorf("snippet role = %s", assistantOnly[0].Snippets[0].Role)
	}

	schematics, err := s.Search(ctx, 7, "error", Filters{MessageType: MessageTypeSchematics}, 0)
	if err != nil {
		t.Fatalf("Search schematics: %v", err)
	}
	if len(schematics) != 1 {
		t.Fatalf("schematics results = %+v, want the diagram mention", schematics)
	}

	userOnly, err := s.Search(ctx, 7, "wiring", Filters{MessageType: MessageTypeUser}, 0)
	if err != nil {
		t.Fatalf("Search user: %v", err)
	}
	if len(userOnly) != 0 {
		t.Errorf("user filter returned assistant-only match: %+v", userOnly)
	}
}

func TestSearchSortOrders(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Older conversation matches in the title; newer one only in the body.
	if _, err := s.Save(ctx, 7, "thread-old", "Billing question", []models.Message{
		userMsg("short"),
	}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(2 * time.Millisecond)
	if _, err := s.Save(ctx, 7, "thread-new", "Another chat", []models.Message{
		userMsg("a considerably longer billing question with lots of detail in it"),
	}); err != nil {
		t.Fatal(err)
	}

	newest, err := s.Search(ctx, 7, "billing", Filters{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if newest[0].ThreadID != "thread-new" {
		t.Errorf("default sort first = %s, want newest", newest[0].ThreadID)
	}

	oldest, err := s.Search(ctx, 7, "billing", Filters{Sort: SortOldest}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if oldest[0].ThreadID != "thread-old" {
		t.Errorf("oldest sort first = %s", oldest[0].ThreadID)
	}

	relevance, err := s.Search(ctx, 7, "billing", Filters{Sort: SortRelevance}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if relevance[0].ThreadID != "thread-old" {
		t.Errorf("relevance sort first = %s, want the title match", relevance[0].ThreadID)
	}

	longest, err := s.Search(ctx, 7, "billing", Filters{Sort: SortLongest}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if longest[0].ThreadID != "thread-new" {
		t.Errorf("longest sort first = %s", longest[0].ThreadID)
	}
}

func TestSearchDateRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, 7, "thread-1", "Recent billing chat", []models.Message{
		userMsg("billing issue"),
	}); err != nil {
		t.Fatal(err)
	}

	for _, r := range []DateRange{DateRangeToday, DateRange7d, DateRange30d, DateRange90d, DateRange365d} {
		results, err := s.Search(ctx, 7, "billing", Filters{DateRange: r}, 0)
		if err != nil {
			t.Fatalf("Search %s: %v", r, err)
		}
		if len(results) != 1 {
			t.Errorf("range %s: got %d results, want 1 (just saved)", r, len(results))
		}
	}

	if _, err := s.Search(ctx, 7, "billing", Filters{DateRange: "yesterday"}, 0); !apperr.IsValidation(err) {
		t.Errorf("unknown range err = %v, want validation error", err)
	}
	if _, err := s.Search(ctx, 7, "billing", Filters{MessageType: "videos"}, 0); !apperr.IsValidation(err) {
		t.Errorf("unknown type err = %v, want validation error", err)
	}
	if _, err := s.Search(ctx, 7, "billing", Filters{Sort: "alphabetical"}, 0); !apperr.IsValidation(err) {
		t.Errorf("unknown sort err = %v, want validation error", err)
	}
	if _, err := s.Search(ctx, 7, "   ", Filters{}, 0); !apperr.IsValidation(err) {
		t.Errorf("blank text err = %v, want validation error", err)
	}
}

func TestSearchSnippetTruncation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	long := "billing " + strings.Repeat("x", 400)
	if _, err := s.Save(ctx, 7, "thread-1", "Long chat", []models.Message{userMsg(long)}); err != nil {
		t.Fatal(err)
	}

	results, err := s.Search(ctx, 7, "billing", Filters{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	got := results[0].Snippets[0].Content
	if !strings.HasSuffix(got, "…") {
		t.Errorf("long snippet missing ellipsis: %q", got)
	}
	if len([]rune(got)) != snippetLength+1 {
		t.Errorf("snippet length = %d runes, want %d plus ellipsis", len([]rune(got)), snippetLength)
	}
}
