package ipc

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/memory"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/store"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []bus.OutboundMessage
}

func (r *recordingSender) Send(_ context.Context, msg bus.OutboundMessage) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return "m1", nil
}
func (r *recordingSender) Edit(context.Context, string, string, string) error { return nil }
func (r *recordingSender) Delete(context.Context, string, string) error       { return nil }

// stub schedule grammar: accept everything, fire one minute out.
func stubValidate(string, string) error { return nil }
func stubFirstRun(_, _ string, now time.Time, _ *time.Location) (int64, error) {
	return now.UnixMilli() + 60_000, nil
}

func testServices(t *testing.T) (Services, *recordingSender, *store.Store) {
	t.Helper()
	layout := paths.Layout{Root: t.TempDir()}
	if err := layout.EnsureAll(); err != nil {
		t.Fatal(err)
	}

	st, err := store.Open(layout.MessagesDB())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	if err := st.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	mem, err := memory.Open(layout.MemoryDB())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { mem.Close() })
	if err := mem.Init(context.Background()); err != nil {
		t.Fatal(err)
	}

	reg, err := groups.Load(layout.RegisteredGroups())
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(groups.Group{ChatID: "telegram:1", Name: "Main", Folder: "main"}); err != nil {
		t.Fatal(err)
	}

	docs, err := config.LoadDocs(layout.ConfigDir())
	if err != nil {
		t.Fatal(err)
	}

	sender := &recordingSender{}
	s := Services{
		Sender:           sender,
		Store:            st,
		Memory:           mem,
		Registry:         reg,
		Docs:             docs,
		Layout:           layout,
		Location:         time.UTC,
		Logger:           slog.Default(),
		ValidateSchedule: stubValidate,
		FirstRun:         stubFirstRun,
	}
	return s, sender, st
}

func caller(folder, chat string, main bool) Caller {
	return Caller{GroupFolder: folder, ChatID: chat, IsMain: main}
}

// TestSendMessageDefaultsToCallerChat verifies an omitted chatId falls back
// to the caller's own chat.
func TestSendMessageDefaultsToCallerChat(t *testing.T) {
	s, sender, _ := testServices(t)
	out, err := s.sendMessage(context.Background(), caller("main", "telegram:1", true),
		json.RawMessage(`{"text":"hello"}`))
	if err != nil {
		t.Fatalf("sendMessage() error = %v", err)
	}
	res := out.(map[string]string)
	if res["messageId"] != "m1" {
		t.Errorf("messageId = %q", res["messageId"])
	}
	if len(sender.sent) != 1 || sender.sent[0].ChatID != "telegram:1" {
		t.Errorf("sent = %+v", sender.sent)
	}
}

// TestSendPollRendersOptions verifies polls become a numbered text message.
func TestSendPollRendersOptions(t *testing.T) {
	s, sender, _ := testServices(t)
	_, err := s.sendPoll(context.Background(), caller("main", "telegram:1", false),
		json.RawMessage(`{"question":"Pizza night?","options":["Friday","Saturday"]}`))
	if err != nil {
		t.Fatalf("sendPoll() error = %v", err)
	}
	text := sender.sent[0].Text
	for _, want := range []string{"Pizza night?", "1. Friday", "2. Saturday"} {
		if !strings.Contains(text, want) {
			t.Errorf("poll text %q missing %q", text, want)
		}
	}
}

// TestScheduleTaskCreatesRow verifies schedule_task persists a due task
// owned by the caller.
func TestScheduleTaskCreatesRow(t *testing.T) {
	s, _, st := testServices(t)
	out, err := s.scheduleTask(context.Background(), caller("main", "telegram:1", false),
		json.RawMessage(`{"prompt":"water plants","scheduleType":"interval","scheduleValue":"1h"}`))
	if err != nil {
		t.Fatalf("scheduleTask() error = %v", err)
	}
	res := out.(map[string]any)
	id := res["taskId"].(string)

	task, err := st.GetTask(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if task.GroupFolder != "main" || task.ChatJID != "telegram:1" || task.Prompt != "water plants" {
		t.Errorf("task = %+v", task)
	}
	if task.NextRun <= time.Now().UnixMilli() {
		t.Errorf("NextRun = %d, want in the future", task.NextRun)
	}
}

// TestTaskOwnershipEnforced verifies a non-main caller cannot touch another
// group's task by id.
func TestTaskOwnershipEnforced(t *testing.T) {
	s, _, st := testServices(t)
	ctx := context.Background()
	if err := st.CreateTask(ctx, store.Task{
		ID: "other", GroupFolder: "work", Prompt: "p",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1h",
		NextRun: time.Now().UnixMilli() + 1000,
	}); err != nil {
		t.Fatal(err)
	}

	_, err := s.runTask(ctx, caller("main", "telegram:1", false), json.RawMessage(`{"taskId":"other"}`))
	if err == nil || !strings.Contains(err.Error(), "another group") {
		t.Errorf("runTask() error = %v, want ownership refusal", err)
	}
	if _, err := s.runTask(ctx, caller("main", "telegram:1", true), json.RawMessage(`{"taskId":"other"}`)); err != nil {
		t.Errorf("main runTask() error = %v", err)
	}
}

// TestMemoryUpsertScopesGlobalItems verifies global-scoped items land under
// the shared folder and are searchable from it.
func TestMemoryUpsertScopesGlobalItems(t *testing.T) {
	s, _, _ := testServices(t)
	ctx := context.Background()

	_, err := s.memoryUpsert(ctx, caller("main", "telegram:1", true), json.RawMessage(
		`{"items":[{"type":"fact","content":"the house wifi is CasaNet","scope":"global","importance":0.8,"confidence":1}]}`))
	if err != nil {
		t.Fatalf("memoryUpsert() error = %v", err)
	}

	items, err := s.Memory.List(ctx, "global", "", "", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || !strings.Contains(items[0].Content, "CasaNet") {
		t.Errorf("global items = %+v", items)
	}
}

// TestRegisterGroupCreatesTree verifies the admin kind registers and builds
// the group directories.
func TestRegisterGroupCreatesTree(t *testing.T) {
	s, _, _ := testServices(t)
	_, err := s.registerGroup(context.Background(), caller("main", "telegram:1", true),
		json.RawMessage(`{"chatId":"telegram:-50","name":"Work","folder":"work"}`))
	if err != nil {
		t.Fatalf("registerGroup() error = %v", err)
	}
	if _, ok := s.Registry.ByFolder("work"); !ok {
		t.Error("group not registered")
	}
}
