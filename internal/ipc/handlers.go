package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
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
	"github.com/dotclawhq/dotclaw/internal/web"
)

// Sender is the outbound provider surface the handlers need. Satisfied by
// channels.Manager.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) (string, error)
	Edit(ctx context.Context, chatID, messageID, text string) error
	Delete(ctx context.Context, chatID, messageID string) error
}

// Services bundles everything the request handlers act on. Memory,
// Downloader and Speech may be nil; their kinds then fail with a
// configuration error instead of a crash. ValidateSchedule and FirstRun
// come from the tasks package; they are injected because the scheduler
// stack sits above this package in the dependency order.
type Services struct {
	Sender     Sender
	Store      *store.Store
	Memory     *memory.Store
	Registry   *groups.Registry
	Docs       *config.Docs
	Layout     paths.Layout
	Location   *time.Location // scheduler timezone for cron math
	Downloader *web.Downloader
	Speech     *web.Speech
	Logger     *slog.Logger

	ValidateSchedule func(scheduleType, value string) error
	FirstRun         func(scheduleType, value string, now time.Time, loc *time.Location) (int64, error)
}

// RegisterHandlers wires every request kind into the dispatcher.
func RegisterHandlers(d *Dispatcher, s Services) {
	if s.Logger == nil {
		s.Logger = slog.Default()
	}
	if s.Location == nil {
		s.Location = time.Local
	}

	d.Handle(KindSendMessage, s.sendMessage)
	d.Handle(KindEditMessage, s.editMessage)
	d.Handle(KindDeleteMessage, s.deleteMessage)
	d.Handle("send_photo", s.sendFile)
	d.Handle("send_document", s.sendFile)
	d.Handle("send_voice", s.sendFile)
	d.Handle("send_audio", s.sendFile)
	d.Handle("send_location", s.sendLocation)
	d.Handle("send_contact", s.sendContact)
	d.Handle("send_poll", s.sendPoll)
	d.Handle("send_buttons", s.sendButtons)

	d.Handle(KindScheduleTask, s.scheduleTask)
	d.Handle(KindUpdateTask, s.updateTask)
	d.Handle(KindPauseTask, s.taskStatusHandler(store.TaskPaused))
	d.Handle(KindResumeTask, s.taskStatusHandler(store.TaskActive))
	d.Handle(KindCancelTask, s.taskStatusHandler(store.TaskCanceled))
	d.Handle(KindListTasks, s.listTasks)
	d.Handle(KindRunTask, s.runTask)
	d.Handle(KindGetTask, s.getTask)

	d.Handle(KindMemoryUpsert, s.memoryUpsert)
	d.Handle(KindMemorySearch, s.memorySearch)
	d.Handle(KindMemoryList, s.memoryList)
	d.Handle(KindMemoryForget, s.memoryForget)
	d.Handle(KindMemoryStats, s.memoryStats)

	d.Handle(KindRegisterGroup, s.registerGroup)
	d.Handle(KindRemoveGroup, s.removeGroup)
	d.Handle(KindListGroups, s.listGroups)
	d.Handle(KindSetModel, s.setModel)

	d.Handle(KindDownloadURL, s.downloadURL)
	d.Handle(KindTextToSpeech, s.textToSpeech)
}

// --- message kinds ---

type messagePayload struct {
	ChatID    string `json:"chatId"`
	Text      string `json:"text"`
	ReplyTo   string `json:"replyTo,omitempty"`
	ParseMode string `json:"parseMode,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Path      string `json:"path,omitempty"`
	Caption   string `json:"caption,omitempty"`
}

func (s Services) sendMessage(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p messagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.Text == "" {
		return nil, fmt.Errorf("text is required")
	}
	id, err := s.Sender.Send(ctx, bus.OutboundMessage{
		ChatID:    chatOrDefault(p.ChatID, caller),
		Text:      p.Text,
		ReplyTo:   p.ReplyTo,
		ParseMode: p.ParseMode,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"messageId": id}, nil
}

func (s Services) editMessage(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p messagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.MessageID == "" || p.Text == "" {
		return nil, fmt.Errorf("messageId and text are required")
	}
	return nil, s.Sender.Edit(ctx, chatOrDefault(p.ChatID, caller), p.MessageID, p.Text)
}

func (s Services) deleteMessage(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p messagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.MessageID == "" {
		return nil, fmt.Errorf("messageId is required")
	}
	return nil, s.Sender.Delete(ctx, chatOrDefault(p.ChatID, caller), p.MessageID)
}

// sendFile covers photo, document, voice and audio: the adapters decide the
// provider-level representation from the file itself.
func (s Services) sendFile(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p messagePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.Path == "" {
		return nil, fmt.Errorf("path is required")
	}
	id, err := s.Sender.Send(ctx, bus.OutboundMessage{
		ChatID:   chatOrDefault(p.ChatID, caller),
		Text:     p.Caption,
		FilePath: p.Path,
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"messageId": id}, nil
}

func (s Services) sendLocation(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID    string  `json:"chatId"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Label     string  `json:"label,omitempty"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	text := fmt.Sprintf("📍 %s\nhttps://maps.google.com/?q=%f,%f", p.Label, p.Latitude, p.Longitude)
	id, err := s.Sender.Send(ctx, bus.OutboundMessage{ChatID: chatOrDefault(p.ChatID, caller), Text: text})
	if err != nil {
		return nil, err
	}
	return map[string]string{"messageId": id}, nil
}

func (s Services) sendContact(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID string `json:"chatId"`
		Name   string `json:"name"`
		Phone  string `json:"phone"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.Name == "" && p.Phone == "" {
		return nil, fmt.Errorf("name or phone is required")
	}
	text := strings.TrimSpace(fmt.Sprintf("👤 %s\n%s", p.Name, p.Phone))
	id, err := s.Sender.Send(ctx, bus.OutboundMessage{ChatID: chatOrDefault(p.ChatID, caller), Text: text})
	if err != nil {
		return nil, err
	}
	return map[string]string{"messageId": id}, nil
}

func (s Services) sendPoll(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID   string   `json:"chatId"`
		Question string   `json:"question"`
		Options  []string `json:"options"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.Question == "" || len(p.Options) < 2 {
		return nil, fmt.Errorf("question and at least two options are required")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📊 %s\n", p.Question)
	for i, opt := range p.Options {
		fmt.Fprintf(&b, "%d. %s\n", i+1, opt)
	}
	id, err := s.Sender.Send(ctx, bus.OutboundMessage{
		ChatID: chatOrDefault(p.ChatID, caller),
		Text:   strings.TrimRight(b.String(), "\n"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]string{"messageId": id}, nil
}

func (s Services) sendButtons(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID  string   `json:"chatId"`
		Text    string   `json:"text"`
		Buttons []string `json:"buttons"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.Text == "" || len(p.Buttons) == 0 {
		return nil, fmt.Errorf("text and buttons are required")
	}
	var b strings.Builder
	b.WriteString(p.Text)
	for _, btn := range p.Buttons {
		fmt.Fprintf(&b, "\n▸ %s", btn)
	}
	id, err := s.Sender.Send(ctx, bus.OutboundMessage{ChatID: chatOrDefault(p.ChatID, caller), Text: b.String()})
	if err != nil {
		return nil, err
	}
	return map[string]string{"messageId": id}, nil
}

// --- task kinds ---

type taskPayload struct {
	TaskID        string `json:"taskId"`
	GroupFolder   string `json:"groupFolder,omitempty"`
	ChatID        string `json:"chatId,omitempty"`
	Prompt        string `json:"prompt,omitempty"`
	ScheduleType  string `json:"scheduleType,omitempty"`
	ScheduleValue string `json:"scheduleValue,omitempty"`
	ContextMode   string `json:"contextMode,omitempty"`
}

func (s Services) scheduleTask(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p taskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.Prompt == "" {
		return nil, fmt.Errorf("prompt is required")
	}
	if s.ValidateSchedule == nil || s.FirstRun == nil {
		return nil, fmt.Errorf("task scheduling is disabled")
	}
	if err := s.ValidateSchedule(p.ScheduleType, p.ScheduleValue); err != nil {
		return nil, err
	}
	folder := p.GroupFolder
	if folder == "" {
		folder = caller.GroupFolder
	}
	nextRun, err := s.FirstRun(p.ScheduleType, p.ScheduleValue, time.Now(), s.Location)
	if err != nil {
		return nil, err
	}
	task := store.Task{
		ID:            uuid.NewString(),
		GroupFolder:   folder,
		ChatJID:       chatOrDefault(p.ChatID, caller),
		Prompt:        p.Prompt,
		ScheduleType:  p.ScheduleType,
		ScheduleValue: p.ScheduleValue,
		ContextMode:   p.ContextMode,
		NextRun:       nextRun,
	}
	if err := s.Store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	return map[string]any{"taskId": task.ID, "nextRun": nextRun}, nil
}

func (s Services) updateTask(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p taskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	task, err := s.ownedTask(ctx, caller, p.TaskID)
	if err != nil {
		return nil, err
	}
	if p.Prompt != "" {
		task.Prompt = p.Prompt
	}
	if p.ScheduleType != "" || p.ScheduleValue != "" {
		if s.ValidateSchedule == nil || s.FirstRun == nil {
			return nil, fmt.Errorf("task scheduling is disabled")
		}
		if p.ScheduleType != "" {
			task.ScheduleType = p.ScheduleType
		}
		if p.ScheduleValue != "" {
			task.ScheduleValue = p.ScheduleValue
		}
		if err := s.ValidateSchedule(task.ScheduleType, task.ScheduleValue); err != nil {
			return nil, err
		}
		next, err := s.FirstRun(task.ScheduleType, task.ScheduleValue, time.Now(), s.Location)
		if err != nil {
			return nil, err
		}
		task.NextRun = next
	}
	if p.ContextMode != "" {
		task.ContextMode = p.ContextMode
	}
	if err := s.Store.UpdateTask(ctx, task); err != nil {
		return nil, err
	}
	return taskView(task), nil
}

func (s Services) taskStatusHandler(status string) HandlerFunc {
	return func(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
		var p taskPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
		task, err := s.ownedTask(ctx, caller, p.TaskID)
		if err != nil {
			return nil, err
		}
		if err := s.Store.SetTaskStatus(ctx, task.ID, status); err != nil {
			return nil, err
		}
		return map[string]string{"taskId": task.ID, "status": status}, nil
	}
}

func (s Services) listTasks(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	folder := caller.GroupFolder
	if caller.IsMain {
		var p taskPayload
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &p); err != nil {
				return nil, fmt.Errorf("parse payload: %w", err)
			}
		}
		folder = p.GroupFolder // empty means every group
	}
	list, err := s.Store.ListTasks(ctx, folder)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(list))
	for _, t := range list {
		out = append(out, taskView(t))
	}
	return out, nil
}

func (s Services) runTask(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p taskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	task, err := s.ownedTask(ctx, caller, p.TaskID)
	if err != nil {
		return nil, err
	}
	if err := s.Store.MarkTaskDueNow(ctx, task.ID); err != nil {
		return nil, err
	}
	return map[string]string{"taskId": task.ID}, nil
}

func (s Services) getTask(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	var p taskPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	task, err := s.ownedTask(ctx, caller, p.TaskID)
	if err != nil {
		return nil, err
	}
	return taskView(task), nil
}

func (s Services) ownedTask(ctx context.Context, caller Caller, id string) (store.Task, error) {
	if id == "" {
		return store.Task{}, fmt.Errorf("taskId is required")
	}
	task, err := s.Store.GetTask(ctx, id)
	if err != nil {
		return store.Task{}, err
	}
	if task.GroupFolder != caller.GroupFolder && !caller.IsMain {
		return store.Task{}, fmt.Errorf("task %s belongs to another group", id)
	}
	return task, nil
}

func taskView(t store.Task) map[string]any {
	return map[string]any{
		"taskId":        t.ID,
		"groupFolder":   t.GroupFolder,
		"chatId":        t.ChatJID,
		"prompt":        t.Prompt,
		"scheduleType":  t.ScheduleType,
		"scheduleValue": t.ScheduleValue,
		"status":        t.Status,
		"nextRun":       t.NextRun,
		"lastResult":    t.LastResult,
	}
}

// --- memory kinds ---

func (s Services) memoryStore() (*memory.Store, error) {
	if s.Memory == nil {
		return nil, fmt.Errorf("memory is disabled")
	}
	return s.Memory, nil
}

// memoryFolder maps a scope to the owning folder: global-scoped items live
// under the shared "global" folder so every group can recall them.
func memoryFolder(scope string, caller Caller) string {
	if scope == memory.ScopeGlobal {
		return "global"
	}
	return caller.GroupFolder
}

func (s Services) memoryUpsert(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	mem, err := s.memoryStore()
	if err != nil {
		return nil, err
	}
	var p struct {
		Scope string        `json:"scope,omitempty"`
		Items []memory.Item `json:"items"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if len(p.Items) == 0 {
		return nil, fmt.Errorf("items are required")
	}
	for i := range p.Items {
		if p.Items[i].ID == "" {
			p.Items[i].ID = uuid.NewString()
		}
		if p.Items[i].Scope == "" {
			p.Items[i].Scope = p.Scope
		}
		p.Items[i].GroupFolder = memoryFolder(p.Items[i].Scope, caller)
	}
	if err := mem.Upsert(ctx, p.Items); err != nil {
		return nil, err
	}
	ids := make([]string, len(p.Items))
	for i, it := range p.Items {
		ids[i] = it.ID
	}
	return map[string]any{"ids": ids}, nil
}

func (s Services) memorySearch(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	mem, err := s.memoryStore()
	if err != nil {
		return nil, err
	}
	var p struct {
		Scope      string `json:"scope,omitempty"`
		SubjectID  string `json:"subjectId,omitempty"`
		Query      string `json:"query"`
		MaxResults int    `json:"maxResults,omitempty"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	scored, err := mem.Search(ctx, memory.SearchOptions{
		GroupFolder: memoryFolder(p.Scope, caller),
		Scope:       p.Scope,
		SubjectID:   p.SubjectID,
		Query:       p.Query,
		MaxResults:  p.MaxResults,
	})
	if err != nil {
		return nil, err
	}
	type hit struct {
		memory.Item
		Score float64 `json:"score"`
	}
	out := make([]hit, 0, len(scored))
	for _, sc := range scored {
		out = append(out, hit{Item: sc.Item, Score: sc.Score})
	}
	return out, nil
}

func (s Services) memoryList(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	mem, err := s.memoryStore()
	if err != nil {
		return nil, err
	}
	var p struct {
		Scope     string `json:"scope,omitempty"`
		SubjectID string `json:"subjectId,omitempty"`
		Limit     int    `json:"limit,omitempty"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("parse payload: %w", err)
		}
	}
	if p.Limit <= 0 {
		p.Limit = 50
	}
	return mem.List(ctx, memoryFolder(p.Scope, caller), p.Scope, p.SubjectID, p.Limit)
}

func (s Services) memoryForget(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	mem, err := s.memoryStore()
	if err != nil {
		return nil, err
	}
	var p struct {
		Scope string   `json:"scope,omitempty"`
		IDs   []string `json:"ids"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if len(p.IDs) == 0 {
		return nil, fmt.Errorf("ids are required")
	}
	n, err := mem.Forget(ctx, memoryFolder(p.Scope, caller), p.IDs)
	if err != nil {
		return nil, err
	}
	return map[string]int{"removed": n}, nil
}

func (s Services) memoryStats(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	mem, err := s.memoryStore()
	if err != nil {
		return nil, err
	}
	return mem.GetStats(ctx, caller.GroupFolder)
}

// --- admin kinds (main group only, enforced by Authorize) ---

func (s Services) registerGroup(ctx context.Context, _ Caller, payload json.RawMessage) (any, error) {
	var g groups.Group
	if err := json.Unmarshal(payload, &g); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if err := s.Registry.Register(g); err != nil {
		return nil, err
	}
	if err := s.Layout.EnsureGroup(g.Folder); err != nil {
		return nil, fmt.Errorf("create group directories: %w", err)
	}
	if _, err := bootstrap.SeedGroupFiles(s.Layout.GroupDir(g.Folder)); err != nil {
		s.Logger.Warn("group file seeding failed", "group", g.Folder, "error", err)
	}
	s.Logger.Info("group registered via ipc", "chat", g.ChatID, "folder", g.Folder)
	return map[string]string{"folder": g.Folder}, nil
}

func (s Services) removeGroup(ctx context.Context, _ Caller, payload json.RawMessage) (any, error) {
	var p struct {
		ChatID string `json:"chatId"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.ChatID == "" {
		return nil, fmt.Errorf("chatId is required")
	}
	return nil, s.Registry.Remove(p.ChatID)
}

func (s Services) listGroups(context.Context, Caller, json.RawMessage) (any, error) {
	return s.Registry.List(), nil
}

func (s Services) setModel(ctx context.Context, _ Caller, payload json.RawMessage) (any, error) {
	var p struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.Model == "" {
		return nil, fmt.Errorf("model is required")
	}
	if err := s.Docs.SetActiveModel(p.Model); err != nil {
		return nil, err
	}
	s.Logger.Info("model changed via ipc", "model", p.Model)
	return map[string]string{"model": p.Model}, nil
}

// --- host network kinds ---

func (s Services) downloadURL(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	if s.Downloader == nil {
		return nil, fmt.Errorf("download_url is disabled")
	}
	var p struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	if p.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	return s.Downloader.Download(ctx, p.URL)
}

func (s Services) textToSpeech(ctx context.Context, caller Caller, payload json.RawMessage) (any, error) {
	if s.Speech == nil {
		return nil, fmt.Errorf("text_to_speech is disabled")
	}
	var p struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("parse payload: %w", err)
	}
	return s.Speech.Synthesize(ctx, p.Text)
}

func chatOrDefault(chatID string, caller Caller) string {
	if chatID != "" {
		return chatID
	}
	return caller.ChatID
}
