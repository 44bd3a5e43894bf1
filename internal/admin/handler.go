package admin

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotclawhq/dotclaw/internal/bootstrap"
	"github.com/dotclawhq/dotclaw/internal/bus"
	"github.com/dotclawhq/dotclaw/internal/config"
	"github.com/dotclawhq/dotclaw/internal/groups"
	"github.com/dotclawhq/dotclaw/internal/memory"
	"github.com/dotclawhq/dotclaw/internal/paths"
	"github.com/dotclawhq/dotclaw/internal/store"
)

const helpText = `Commands:
/dc status — host status
/dc list groups · add group [chatId] <name> [folder] · remove group [chatId]
/dc set model <model> · list models
/dc list tasks · pause task <id> · resume task <id> · cancel task <id> · run task <id>
/dc remember <text> · forget <id> · list memories`

// mainOnly lists the commands reserved to the main group.
var mainOnly = map[string]bool{
	"add-group":    true,
	"remove-group": true,
	"set-model":    true,
}

// Handler executes parsed admin commands against the host services. It is
// wired into the pipeline ahead of queue admission.
type Handler struct {
	botName  string
	version  string
	registry *groups.Registry
	docs     *config.Docs
	store    *store.Store
	memory   *memory.Store
	layout   paths.Layout
	loc      *time.Location
	health   func() map[string]bool
	logger   *slog.Logger
}

// NewHandler builds a Handler. memory may be nil when recall is disabled,
// health may be nil when no providers report connection state.
func NewHandler(botName, version string, reg *groups.Registry, docs *config.Docs,
	st *store.Store, mem *memory.Store, layout paths.Layout, loc *time.Location,
	health func() map[string]bool, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if loc == nil {
		loc = time.Local
	}
	return &Handler{
		botName:  botName,
		version:  version,
		registry: reg,
		docs:     docs,
		store:    st,
		memory:   mem,
		layout:   layout,
		loc:      loc,
		health:   health,
		logger:   logger,
	}
}

// Handle parses msg and executes the command if there is one. The second
// return reports whether the message was consumed.
func (h *Handler) Handle(ctx context.Context, group groups.Group, msg bus.InboundMessage) (string, bool) {
	cmd := Parse(msg.Content, h.botName)
	if cmd == nil {
		return "", false
	}
	if mainOnly[cmd.Name] && !group.Main {
		return "That command is only available from the main group.", true
	}

	reply, err := h.run(ctx, group, msg, cmd)
	if err != nil {
		h.logger.Warn("admin command failed", "command", cmd.Name, "group", group.Folder, "error", err)
		return "Error: " + err.Error(), true
	}
	h.logger.Info("admin command", "command", cmd.Name, "group", group.Folder)
	return reply, true
}

func (h *Handler) run(ctx context.Context, group groups.Group, msg bus.InboundMessage, cmd *Command) (string, error) {
	switch cmd.Name {
	case "help":
		return helpText, nil
	case "status":
		return h.status(ctx)
	case "groups":
		return h.listGroups(), nil
	case "add-group":
		return h.addGroup(msg, cmd.Args)
	case "remove-group":
		return h.removeGroup(msg, cmd.Args)
	case "set-model":
		if len(cmd.Args) != 1 {
			return "", fmt.Errorf("usage: set model <model>")
		}
		if err := h.docs.SetActiveModel(cmd.Args[0]); err != nil {
			return "", err
		}
		return "Active model is now " + cmd.Args[0] + ".", nil
	case "models":
		return h.listModels(), nil
	case "tasks":
		return h.listTasks(ctx, group)
	case "pause-task":
		return h.setTaskStatus(ctx, group, cmd.Args, store.TaskPaused, "paused")
	case "resume-task":
		return h.setTaskStatus(ctx, group, cmd.Args, store.TaskActive, "resumed")
	case "cancel-task":
		return h.setTaskStatus(ctx, group, cmd.Args, store.TaskCanceled, "canceled")
	case "run-task":
		return h.runTaskNow(ctx, group, cmd.Args)
	case "remember":
		return h.remember(ctx, group, msg, cmd.Args)
	case "forget":
		return h.forget(ctx, group, cmd.Args)
	case "memories":
		return h.listMemories(ctx, group)
	}
	return "", fmt.Errorf("unknown command %q", cmd.Name)
}

func (h *Handler) status(ctx context.Context) (string, error) {
	depth, err := h.store.QueueDepth(ctx)
	if err != nil {
		return "", err
	}
	model := h.docs.ActiveModel()
	var b strings.Builder
	fmt.Fprintf(&b, "dotclaw %s\n", h.version)
	fmt.Fprintf(&b, "Model: %s\n", model.Active)
	fmt.Fprintf(&b, "Groups: %d\n", len(h.registry.List()))
	fmt.Fprintf(&b, "Queued messages: %d", depth)
	if h.health != nil {
		providers := h.health()
		names := make([]string, 0, len(providers))
		for name := range providers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			state := "connected"
			if !providers[name] {
				state = "disconnected"
			}
			fmt.Fprintf(&b, "\n%s: %s", name, state)
		}
	}
	return b.String(), nil
}

func (h *Handler) listGroups() string {
	list := h.registry.List()
	if len(list) == 0 {
		return "No groups registered."
	}
	var b strings.Builder
	for _, g := range list {
		marker := ""
		if g.Main {
			marker = " (main)"
		}
		fmt.Fprintf(&b, "%s — %s [%s]%s\n", g.Name, g.ChatID, g.Folder, marker)
	}
	return strings.TrimRight(b.String(), "\n")
}

// addGroup registers a chat. An explicit chat id as the first argument
// registers that chat; otherwise the chat the command came from.
func (h *Handler) addGroup(msg bus.InboundMessage, args []string) (string, error) {
	chatID := msg.ChatID
	if len(args) >= 2 && looksLikeChatID(args[0]) {
		chatID = args[0]
		if !strings.Contains(chatID, ":") {
			// Raw provider id: same provider as the commanding chat.
			if i := strings.Index(msg.ChatID, ":"); i > 0 {
				chatID = msg.ChatID[:i+1] + chatID
			}
		}
		args = args[1:]
	}
	if len(args) < 1 {
		return "", fmt.Errorf("usage: add group [chatId] <name> [folder]")
	}
	name := args[0]
	folder := folderFromName(name)
	if len(args) >= 2 {
		folder = args[1]
	}
	g := groups.Group{ChatID: chatID, Name: name, Folder: folder}
	if err := h.registry.Register(g); err != nil {
		return "", err
	}
	if err := h.layout.EnsureGroup(folder); err != nil {
		return "", fmt.Errorf("create group directories: %w", err)
	}
	if _, err := bootstrap.SeedGroupFiles(h.layout.GroupDir(folder)); err != nil {
		h.logger.Warn("group file seeding failed", "group", folder, "error", err)
	}
	return fmt.Sprintf("Registered %s as %q (folder %s).", chatID, name, folder), nil
}

// looksLikeChatID reports whether a token is a chat id: either prefixed
// ("telegram:-100123") or a bare, possibly negative, numeric id.
func looksLikeChatID(s string) bool {
	if strings.Contains(s, ":") {
		return true
	}
	digits := strings.TrimPrefix(s, "-")
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func (h *Handler) removeGroup(msg bus.InboundMessage, args []string) (string, error) {
	chatID := msg.ChatID
	if len(args) >= 1 {
		chatID = args[0]
	}
	if err := h.registry.Remove(chatID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Removed %s. Its files stay on disk.", chatID), nil
}

func (h *Handler) listModels() string {
	model := h.docs.ActiveModel()
	var b strings.Builder
	fmt.Fprintf(&b, "Active: %s\n", model.Active)
	if len(model.Fallbacks) > 0 {
		fmt.Fprintf(&b, "Fallbacks: %s\n", strings.Join(model.Fallbacks, ", "))
	}
	if len(model.Allowlist) > 0 {
		fmt.Fprintf(&b, "Allowlist: %s\n", strings.Join(model.Allowlist, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (h *Handler) listTasks(ctx context.Context, group groups.Group) (string, error) {
	folder := group.Folder
	if group.Main {
		folder = "" // main sees every group's tasks
	}
	list, err := h.store.ListTasks(ctx, folder)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "No tasks.", nil
	}
	var b strings.Builder
	for _, t := range list {
		next := time.UnixMilli(t.NextRun).In(h.loc).Format("2006-01-02 15:04")
		fmt.Fprintf(&b, "%s [%s] %s %s — next %s (%s)\n",
			t.ID, t.Status, t.ScheduleType, t.ScheduleValue, next, truncate(t.Prompt, 60))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (h *Handler) setTaskStatus(ctx context.Context, group groups.Group, args []string, status, verb string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: %s task <id>", verb)
	}
	task, err := h.taskInScope(ctx, group, args[0])
	if err != nil {
		return "", err
	}
	if err := h.store.SetTaskStatus(ctx, task.ID, status); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s %s.", task.ID, verb), nil
}

func (h *Handler) runTaskNow(ctx context.Context, group groups.Group, args []string) (string, error) {
	if len(args) != 1 {
		return "", fmt.Errorf("usage: run task <id>")
	}
	task, err := h.taskInScope(ctx, group, args[0])
	if err != nil {
		return "", err
	}
	if err := h.store.MarkTaskDueNow(ctx, task.ID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Task %s will run on the next scheduler tick.", task.ID), nil
}

// taskInScope loads a task and enforces group ownership.
func (h *Handler) taskInScope(ctx context.Context, group groups.Group, id string) (store.Task, error) {
	task, err := h.store.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	if task.GroupFolder != group.Folder && !group.Main {
		return store.Task{}, fmt.Errorf("task %s belongs to another group", id)
	}
	return task, nil
}

func (h *Handler) remember(ctx context.Context, group groups.Group, msg bus.InboundMessage, args []string) (string, error) {
	if h.memory == nil {
		return "", fmt.Errorf("memory is disabled")
	}
	content := strings.TrimSpace(strings.Join(args, " "))
	if content == "" {
		return "", fmt.Errorf("usage: remember <text>")
	}
	item := memory.Item{
		ID:          uuid.NewString(),
		GroupFolder: group.Folder,
		Scope:       memory.ScopeGroup,
		SubjectID:   msg.SenderID,
		Type:        "fact",
		Content:     content,
		Importance:  0.5,
		Confidence:  1,
	}
	if err := h.memory.Upsert(ctx, []memory.Item{item}); err != nil {
		return "", err
	}
	return "Noted.", nil
}

func (h *Handler) forget(ctx context.Context, group groups.Group, args []string) (string, error) {
	if h.memory == nil {
		return "", fmt.Errorf("memory is disabled")
	}
	if len(args) != 1 {
		return "", fmt.Errorf("usage: forget <id>")
	}
	n, err := h.memory.Forget(ctx, group.Folder, args)
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "Nothing matched that id.", nil
	}
	return "Forgotten.", nil
}

func (h *Handler) listMemories(ctx context.Context, group groups.Group) (string, error) {
	if h.memory == nil {
		return "", fmt.Errorf("memory is disabled")
	}
	items, err := h.memory.List(ctx, group.Folder, "", "", 20)
	if err != nil {
		return "", err
	}
	if len(items) == 0 {
		return "No memories yet.", nil
	}
	var b strings.Builder
	for _, it := range items {
		fmt.Fprintf(&b, "%s (%s) %s\n", it.ID, it.Type, truncate(it.Content, 80))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// folderFromName derives a safe folder slug from a display name.
func folderFromName(name string) string {
	var b strings.Builder
	lastHyphen := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen && b.Len() > 0 {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
