package conversation

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/helioshq/deskagent/internal/activity"
	"github.com/helioshq/deskagent/internal/apperr"
	"github.com/helioshq/deskagent/internal/models"
	"github.com/helioshq/deskagent/internal/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(storage.NewMemoryStorage(), activity.NopSink{}, zap.NewNop())
}

func userMsg(content string) models.Message {
	return models.Message{Role: models.MessageRoleUser, Content: content}
}

func assistantMsg(content string) models.Message {
	return models.Message{Role: models.MessageRoleAssistant, Content: content}
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	messages := []models.Message{userMsg("hi"), assistantMsg("hello")}
	conv, err := s.Save(ctx, 7, "thread-1", "Greetings", messages)
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if conv.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", conv.MessageCount)
	}

	got, gotMsgs, err := s.Get(ctx, 7, "thread-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Title != "Greetings" || got.MessageCount != 2 {
		t.Errorf("conversation = %+v", got)
	}
	if len(gotMsgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(gotMsgs))
	}
	for i, want := range messages {
		if gotMsgs[i].Role != want.Role || gotMsgs[i].Content != want.Content {
			t.Errorf("message %d = %s %q, want %s %q",
				i, gotMsgs[i].Role, gotMsgs[i].Content, want.Role, want.Content)
		}
		if gotMsgs[i].Seq != i {
			t.Errorf("message %d seq = %d", i, gotMsgs[i].Seq)
		}
	}
}

func TestResaveFullyReplaces(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, 7, "thread-1", "First", []models.Message{
		userMsg("old question"), assistantMsg("old answer"), userMsg("old followup"),
	}); err != nil {
		t.Fatalf("first Save: %v", err)
	}

	replacement := []models.Message{userMsg("new question")}
	conv, err := s.Save(ctx, 7, "thread-1", "Second", replacement)
	if err != nil {
		t.Fatalf("second Save: %v", err)
	}
	if conv.MessageCount != 1 {
		t.Errorf("message count = %d, want 1", conv.MessageCount)
	}

	_, gotMsgs, err := s.Get(ctx, 7, "thread-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(gotMsgs) != 1 || gotMsgs[0].Content != "new question" {
		t.Errorf("messages after resave = %+v, old set not replaced", gotMsgs)
	}
}

func TestInvalidMessagePreservesPriorState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := []models.Message{userMsg("hi"), assistantMsg("hello")}
	if _, err := s.Save(ctx, 7, "thread-1", "Greetings", original); err != nil {
		t.Fatalf("Save: %v", err)
	}

	_, err := s.Save(ctx, 7, "thread-1", "Broken", []models.Message{
		userMsg("valid"),
		{Role: models.MessageRoleUser, Content: ""},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}

	got, gotMsgs, err := s.Get(ctx, 7, "thread-1")
	if err != nil {
		t.Fatalf("Get after failed save: %v", err)
	}
	if got.Title != "Greetings" || len(gotMsgs) != 2 {
		t.Errorf("prior state not preserved: title=%q messages=%d", got.Title, len(gotMsgs))
	}
}

func TestInvalidSaveOnFreshThreadLeavesNothing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.Save(ctx, 7, "thread-new", "Broken", []models.Message{
		{Role: "moderator", Content: "invalid role"},
	})
	if !apperr.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if _, _, err := s.Get(ctx, 7, "thread-new"); !apperr.IsNotFound(err) {
		t.Errorf("err = %v, want not found after failed first save", err)
	}
}

func TestDeleteThenGetNotFound(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, 7, "thread-1", "Greetings", []models.Message{
		userMsg("hi"), assistantMsg("hello"),
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Delete(ctx, 7, "thread-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, _, err := s.Get(ctx, 7, "thread-1"); !apperr.IsNotFound(err) {
		t.Errorf("err = %v, want not found", err)
	}
	if err := s.Delete(ctx, 7, "thread-1"); !apperr.IsNotFound(err) {
		t.Errorf("second delete err = %v, want not found", err)
	}
}

func TestGetScopedToOwner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Save(ctx, 7, "thread-1", "Mine", []models.Message{userMsg("hi")}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	// Another user asking for the same thread id gets not-found, not
	// forbidden: existence must not leak.
	if _, _, err := s.Get(ctx, 8, "thread-1"); !apperr.IsNotFound(err) {
		t.Errorf("err = %v, want not found for foreign user", err)
	}
}

func TestListForUserOrderAndPreview(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	threads := []string{"thread-a", "thread-b", "thread-c"}
	for i, id := range threads {
		if _, err := s.Save(ctx, 7, id, "Conversation "+id, []models.Message{
			userMsg("question"),
			assistantMsg("answer " + id),
		}); err != nil {
			t.Fatalf("Save %s: %v", id, err)
		}
		if i < len(threads)-1 {
			time.Sleep(2 * time.Millisecond)
		}
	}

	summaries, err := s.ListForUser(ctx, 7, 2, 0)
	if err != nil {
		t.Fatalf("ListForUser: %v", err)
	}
	if len(summaries) != 2 {
		t.Fatalf("got %d summaries, want 2 (limit)", len(summaries))
	}
	if summaries[0].ThreadID != "thread-c" {
		t.Errorf("first summary = %s, want most recently updated", summaries[0].ThreadID)
	}
	if summaries[0].Preview != "answer thread-c" {
		t.Errorf("preview = %q, want the latest message", summaries[0].Preview)
	}

	rest, err := s.ListForUser(ctx, 7, 2, 2)
	if err != nil {
		t.Fatalf("ListForUser offset: %v", err)
	}
	if len(rest) != 1 || rest[0].ThreadID != "thread-a" {
		t.Errorf("offset page = %+v, want just thread-a", rest)
	}
}

func TestSaveValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name     string
		threadID string
		title    string
	}{
		{name: "missing_thread_id", threadID: "", title: "ok"},
		{name: "missing_title", threadID: "thread-1", title: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := s.Save(ctx, 7, tc.threadID, tc.title, []models.Message{userMsg("hi")})
			if !apperr.IsValidation(err) {
				t.Fatalf("err = %v, want validation error", err)
			}
		})
	}
}
