package sessions

import (
	"path/filepath"
	"testing"

	"github.com/yejunhao159/comfyui-agent/pkg/models"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "sessions.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := openTestStore(t)

	id, err := store.Create("first chat")
	if err != nil {
		t.Fatal(err)
	}
	sess, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Title != "first chat" {
		t.Errorf("expected title preserved, got %q", sess.Title)
	}
	if sess.ParentSessionID != "" {
		t.Errorf("top-level session must have no parent, got %q", sess.ParentSessionID)
	}
}

func TestAppendAssignsOrdinalsAndIDs(t *testing.T) {
	store := openTestStore(t)
	id, _ := store.Create("")

	first, err := store.AppendMessage(id, models.UserText("hello"))
	if err != nil {
		t.Fatal(err)
	}
	second, err := store.AppendMessage(id, models.AssistantText("hi"))
	if err != nil {
		t.Fatal(err)
	}
	if second <= first {
		t.Errorf("row ids must increase: %d then %d", first, second)
	}

	msgs, err := store.Messages(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].Text != "hello" || msgs[1].Text != "hi" {
		t.Errorf("messages out of order: %+v", msgs)
	}
}

func TestStructuredContentRoundTrip(t *testing.T) {
	store := openTestStore(t)
	id, _ := store.Create("")

	blocks := []models.ContentBlock{
		models.TextBlock("let me check"),
		models.ToolUseBlock("tu_1", "comfyui_monitor", map[string]any{"action": "get_queue"}),
	}
	if _, err := store.AppendMessage(id, models.AssistantBlocks(blocks)); err != nil {
		t.Fatal(err)
	}

	msgs, err := store.Messages(id)
	if err != nil {
		t.Fatal(err)
	}
	if msgs[0].IsPlainText() {
		t.Fatal("expected structured content to survive round trip")
	}
	uses := msgs[0].ToolUses()
	if len(uses) != 1 || uses[0].Name != "comfyui_monitor" {
		t.Fatalf("tool_use block lost: %+v", msgs[0].Blocks)
	}
	if uses[0].Input["action"] != "get_queue" {
		t.Fatalf("tool input lost: %+v", uses[0].Input)
	}
}

func TestMessagesFrom(t *testing.T) {
	store := openTestStore(t)
	id, _ := store.Create("")

	store.AppendMessage(id, models.UserText("one"))
	checkpoint, _ := store.AppendMessage(id, models.UserText("two"))
	store.AppendMessage(id, models.UserText("three"))

	msgs, err := store.MessagesFrom(id, checkpoint)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages from checkpoint, got %d", len(msgs))
	}
	if msgs[0].Text != "two" {
		t.Errorf("expected checkpoint message first, got %q", msgs[0].Text)
	}
}

func TestListExcludesChildren(t *testing.T) {
	store := openTestStore(t)
	parent, _ := store.Create("parent")
	if _, err := store.CreateChild(parent, "delegated"); err != nil {
		t.Fatal(err)
	}

	list, err := store.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].ID != parent {
		t.Fatalf("expected only parent session in list, got %+v", list)
	}
}

func TestDeleteCascades(t *testing.T) {
	store := openTestStore(t)
	id, _ := store.Create("")
	store.AppendMessage(id, models.UserText("hello"))

	if err := store.Delete(id); err != nil {
		t.Fatal(err)
	}
	msgs, err := store.Messages(id)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected no messages after delete, got %d", len(msgs))
	}
}

func TestSummaryCheckpointAndUsage(t *testing.T) {
	store := openTestStore(t)
	id, _ := store.Create("")
	msgID, _ := store.AppendMessage(id, models.UserText("[Previous conversation summary]\n..."))

	if err := store.SetSummaryMessage(id, msgID); err != nil {
		t.Fatal(err)
	}
	if err := store.AddUsage(id, models.Usage{InputTokens: 100, OutputTokens: 40}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddUsage(id, models.Usage{InputTokens: 10, OutputTokens: 5}); err != nil {
		t.Fatal(err)
	}

	sess, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if sess.SummaryMessageID != msgID {
		t.Errorf("expected summary checkpoint %d, got %d", msgID, sess.SummaryMessageID)
	}
	if sess.TotalInput != 110 || sess.TotalOutput != 45 {
		t.Errorf("usage totals wrong: %d/%d", sess.TotalInput, sess.TotalOutput)
	}
}

func TestMigrationIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sessions.db")

	store, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	id, _ := store.Create("keep")
	store.Close()

	// Reopen: migration must not disturb existing data.
	store2, err := Open(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer store2.Close()
	if _, err := store2.Get(id); err != nil {
		t.Fatalf("session lost after reopen: %v", err)
	}
}
