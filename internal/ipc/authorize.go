package ipc

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Request kinds, grouped by concern.
const (
	KindSendMessage   = "send_message"
	KindEditMessage   = "edit_message"
	KindDeleteMessage = "delete_message"

	KindScheduleTask = "schedule_task"
	KindUpdateTask   = "update_task"
	KindPauseTask    = "pause_task"
	KindResumeTask   = "resume_task"
	KindCancelTask   = "cancel_task"
	KindListTasks    = "list_tasks"
	KindRunTask      = "run_task"
	KindGetTask      = "get_task"

	KindMemoryUpsert = "memory_upsert"
	KindMemorySearch = "memory_search"
	KindMemoryList   = "memory_list"
	KindMemoryForget = "memory_forget"
	KindMemoryStats  = "memory_stats"

	KindRegisterGroup = "register_group"
	KindRemoveGroup   = "remove_group"
	KindListGroups    = "list_groups"
	KindSetModel      = "set_model"

	KindDownloadURL  = "download_url"
	KindTextToSpeech = "text_to_speech"
)

// mediaKinds are the provider media sends, same authorization as
// send_message.
var mediaKinds = map[string]bool{
	"send_photo": true, "send_document": true, "send_voice": true,
	"send_audio": true, "send_location": true, "send_contact": true,
	"send_poll": true, "send_buttons": true,
}

// adminKinds are reserved to the main group outright.
var adminKinds = map[string]bool{
	KindRegisterGroup: true,
	KindRemoveGroup:   true,
	KindListGroups:    true,
	KindSetModel:      true,
}

// Caller identifies the group whose IPC directory produced the request.
type Caller struct {
	GroupFolder string
	ChatID      string
	IsMain      bool
}

// Authorize enforces the privilege matrix: only the main group may act on
// other chats or groups, mutate global config, or manage the registry.
func Authorize(caller Caller, env Envelope) error {
	kind := env.Kind

	if adminKinds[kind] {
		if !caller.IsMain {
			return fmt.Errorf("kind %s: main group only", kind)
		}
		return nil
	}

	if kind == KindSendMessage || kind == KindEditMessage || kind == KindDeleteMessage || mediaKinds[kind] {
		var p struct {
			ChatID string `json:"chatId"`
		}
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return fmt.Errorf("kind %s: malformed payload: %w", kind, err)
		}
		if p.ChatID != "" && p.ChatID != caller.ChatID && !caller.IsMain {
			return fmt.Errorf("kind %s: cross-chat send requires the main group", kind)
		}
		return nil
	}

	if strings.HasSuffix(kind, "_task") || kind == KindListTasks {
		var p struct {
			GroupFolder string `json:"groupFolder"`
		}
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("kind %s: malformed payload: %w", kind, err)
			}
		}
		if p.GroupFolder != "" && p.GroupFolder != caller.GroupFolder && !caller.IsMain {
			return fmt.Errorf("kind %s: cross-group task ops require the main group", kind)
		}
		return nil
	}

	if strings.HasPrefix(kind, "memory_") {
		var p struct {
			Scope string `json:"scope"`
		}
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &p); err != nil {
				return fmt.Errorf("kind %s: malformed payload: %w", kind, err)
			}
		}
		writes := kind == KindMemoryUpsert || kind == KindMemoryForget
		if writes && p.Scope == "global" && !caller.IsMain {
			return fmt.Errorf("kind %s: global scope writes require the main group", kind)
		}
		return nil
	}

	// download_url, text_to_speech and unknown kinds pass here; unknown
	// kinds fail later at handler lookup.
	return nil
}
