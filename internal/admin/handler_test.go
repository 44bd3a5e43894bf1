package admin

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/memory"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/store"
)

func testHandler(t *testing.T) (*Handler, *groups.Registry, *store.Store) {
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

	h := NewHandler("HouseBot", "test", reg, docs, st, mem, layout, time.UTC, nil, nil)
	return h, reg, st
}

func mainGroup(t *testing.T, reg *groups.Registry) groups.Group {
	t.Helper()
	g, ok := reg.ByChat("telegram:1")
	if !ok {
		t.Fatal("main group missing")
	}
	return g
}

// TestHandleIgnoresPlainChat verifies non-command text passes through.
func TestHandleIgnoresPlainChat(t *testing.T) {
	h, reg, _ := testHandler(t)
	_, handled := h.Handle(context.Background(), mainGroup(t, reg), bus.InboundMessage{
		ChatID: "telegram:1", Content: "what's for dinner?",
	})
	if handled {
		t.Error("plain chat was consumed as a command")
	}
}

// TestHandleStatus verifies the status reply includes model and queue depth.
func TestHandleStatus(t *testing.T) {
	h, reg, _ := testHandler(t)
	reply, handled := h.Handle(context.Background(), mainGroup(t, reg), bus.InboundMessage{
		ChatID: "telegram:1", Content: "/dc status",
	})
	if !handled {
		t.Fatal("status not handled")
	}
	for _, want := range []string{"Model:", "Groups: 1", "Queued messages: 0"} {
		if !strings.Contains(reply, want) {
			t.Errorf("status reply %q missing %q", reply, want)
		}
	}
}

// TestHandleAddGroupRegistersCurrentChat verifies add group binds the chat
// the command came from and creates the group tree.
func TestHandleAddGroupRegistersCurrentChat(t *testing.T) {
	h, reg, _ := testHandler(t)
	reply, handled := h.Handle(context.Background(), mainGroup(t, reg), bus.InboundMessage{
		ChatID: "telegram:-200", Content: `/dc add group "Family Chat"`,
	})
	if !handled {
		t.Fatal("add group not handled")
	}
	if !strings.Contains(reply, "family-chat") {
		t.Errorf("reply = %q, want derived folder", reply)
	}
	g, ok := reg.ByChat("telegram:-200")
	if !ok || g.Folder != "family-chat" || g.Name != "Family Chat" {
		t.Errorf("registered group = %+v", g)
	}
}

// TestHandleAddGroupExplicitChatID verifies the hyphenated form with an
// explicit chat id registers that chat, prefixed with the commanding chat's
// provider.
func TestHandleAddGroupExplicitChatID(t *testing.T) {
	h, reg, _ := testHandler(t)
	reply, handled := h.Handle(context.Background(), mainGroup(t, reg), bus.InboundMessage{
		ChatID: "telegram:1", Content: `/dotclaw add-group "-123" "My Group" my-group`,
	})
	if !handled {
		t.Fatal("add-group not handled")
	}
	if !strings.Contains(reply, "telegram:-123") {
		t.Errorf("reply = %q, want the explicit chat id", reply)
	}
	g, ok := reg.ByChat("telegram:-123")
	if !ok || g.Folder != "my-group" || g.Name != "My Group" {
		t.Errorf("registered group = %+v", g)
	}
}

// TestHandleMainOnlyGuard verifies non-main groups cannot run admin
// commands.
func TestHandleMainOnlyGuard(t *testing.T) {
	h, reg, _ := testHandler(t)
	if err := reg.Register(groups.Group{ChatID: "telegram:2", Name: "Side", Folder: "side"}); err != nil {
		t.Fatal(err)
	}
	side, _ := reg.ByChat("telegram:2")

	reply, handled := h.Handle(context.Background(), side, bus.InboundMessage{
		ChatID: "telegram:2", Content: "/dc set model openai/gpt-4o",
	})
	if !handled {
		t.Fatal("command not handled")
	}
	if !strings.Contains(reply, "main group") {
		t.Errorf("reply = %q, want main-group refusal", reply)
	}
	if h.docs.ActiveModel().Active == "openai/gpt-4o" {
		t.Error("model changed despite refusal")
	}
}

// TestHandleTaskLifecycle verifies pause and resume on an owned task.
func TestHandleTaskLifecycle(t *testing.T) {
	h, reg, st := testHandler(t)
	ctx := context.Background()
	if err := st.CreateTask(ctx, store.Task{
		ID: "t1", GroupFolder: "main", Prompt: "water the plants",
		ScheduleType: store.ScheduleInterval, ScheduleValue: "1h",
		NextRun: time.Now().UnixMilli() + 60_000,
	}); err != nil {
		t.Fatal(err)
	}
	main := mainGroup(t, reg)

	if _, handled := h.Handle(ctx, main, bus.InboundMessage{ChatID: "telegram:1", Content: "/dc pause task t1"}); !handled {
		t.Fatal("pause not handled")
	}
	task, _ := st.GetTask(ctx, "t1")
	if task.Status != store.TaskPaused {
		t.Fatalf("Status = %q, want paused", task.Status)
	}

	if _, handled := h.Handle(ctx, main, bus.InboundMessage{ChatID: "telegram:1", Content: "/dc resume task t1"}); !handled {
		t.Fatal("resume not handled")
	}
	task, _ = st.GetTask(ctx, "t1")
	if task.Status != store.TaskActive {
		t.Errorf("Status = %q, want active", task.Status)
	}
}

// TestHandleRememberAndList verifies the memory shortcuts round-trip.
func TestHandleRememberAndList(t *testing.T) {
	h, reg, _ := testHandler(t)
	ctx := context.Background()
	main := mainGroup(t, reg)

	reply, handled := h.Handle(ctx, main, bus.InboundMessage{
		ChatID: "telegram:1", SenderID: "u1", Content: "/dc remember the gate code is 4711",
	})
	if !handled || reply != "Noted." {
		t.Fatalf("remember = (%q, %v)", reply, handled)
	}

	reply, handled = h.Handle(ctx, main, bus.InboundMessage{
		ChatID: "telegram:1", Content: "/dc list memories",
	})
	if !handled {
		t.Fatal("list memories not handled")
	}
	if !strings.Contains(reply, "gate code") {
		t.Errorf("memories = %q, want the stored fact", reply)
	}
}
