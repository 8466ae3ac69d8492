// Package groups maintains the registered-group registry, the trigger
// pattern, and the small JSON state files the router persists across
// restarts (watermarks and sandbox session tokens).
package groups

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
)

// FolderNamePattern constrains group folder names; they become directory
// names and container mount sources.
var FolderNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Group is one registered tenant.
type Group struct {
	ChatID         string   `json:"chat_id"`
	Folder         string   `json:"folder"`
	Name           string   `json:"name"`
	Trigger        string   `json:"trigger,omitempty"`
	Persona        string   `json:"persona,omitempty"`
	SystemPrompt   string   `json:"system_prompt,omitempty"`
	Model          string   `json:"model,omitempty"`
	EnableSearch   *bool    `json:"enable_web_search,omitempty"`
	EnableFastPath *bool    `json:"enable_fast_path,omitempty"`
	EnableFollowUp *bool    `json:"enable_follow_up,omitempty"`
	RequireTrigger *bool    `json:"require_trigger,omitempty"`
	ExtraMounts    []Mount  `json:"extra_mounts,omitempty"`
}

// Mount is an additional bind mount requested for a group's container.
// Validated against the allowlist before use.
type Mount struct {
	HostPath      string `json:"host_path"`
	ContainerPath string `json:"container_path"`
	ReadOnly      *bool  `json:"read_only,omitempty"`
}

// FastPathEnabled reports whether the group opted out of the fast path.
func (g *Group) FastPathEnabled() bool {
	return g.EnableFastPath == nil || *g.EnableFastPath
}

// FollowUpEnabled reports whether follow-up suggestions are active.
func (g *Group) FollowUpEnabled() bool {
	return g.EnableFollowUp == nil || *g.EnableFollowUp
}

// WebSearchEnabled reports whether the sandboxed agent may search the web.
func (g *Group) WebSearchEnabled() bool {
	return g.EnableSearch != nil && *g.EnableSearch
}

// Registry is the in-memory view of registered groups, persisted as one
// JSON file keyed by chat_id.
type Registry struct {
	mu         sync.RWMutex
	byChat     map[string]*Group
	path       string
	mainFolder string
}

// LoadRegistry reads the registry file; a missing file yields an empty
// registry.
func LoadRegistry(path, mainFolder string) (*Registry, error) {
	r := &Registry{byChat: make(map[string]*Group), path: path, mainFolder: mainFolder}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, fmt.Errorf("read group registry: %w", err)
	}
	if err := json.Unmarshal(data, &r.byChat); err != nil {
		return nil, fmt.Errorf("parse group registry: %w", err)
	}
	for chatID, g := range r.byChat {
		if g.ChatID == "" {
			g.ChatID = chatID
		}
	}
	return r, nil
}

// Register adds or replaces a group and persists the registry. The folder
// name must match FolderNamePattern and be unique across groups.
func (r *Registry) Register(g *Group) error {
	if !FolderNamePattern.MatchString(g.Folder) {
		return fmt.Errorf("invalid folder name %q", g.Folder)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for chatID, existing := range r.byChat {
		if existing.Folder == g.Folder && chatID != g.ChatID {
			return fmt.Errorf("folder %q already registered to another chat", g.Folder)
		}
	}
	r.byChat[g.ChatID] = g
	return r.persistLocked()
}

// Unregister removes a group and persists the registry.
func (r *Registry) Unregister(chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byChat[chatID]; !ok {
		return fmt.Errorf("chat %q not registered", chatID)
	}
	delete(r.byChat, chatID)
	return r.persistLocked()
}

// ByChat returns the group registered for a chat, or nil.
func (r *Registry) ByChat(chatID string) *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byChat[chatID]
}

// ByFolder returns the group owning a folder, or nil.
func (r *Registry) ByFolder(folder string) *Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, g := range r.byChat {
		if g.Folder == folder {
			return g
		}
	}
	return nil
}

// All returns a snapshot of every registered group.
func (r *Registry) All() []*Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Group, 0, len(r.byChat))
	for _, g := range r.byChat {
		out = append(out, g)
	}
	return out
}

// IsMain reports whether folder is the distinguished main group.
func (r *Registry) IsMain(folder string) bool {
	return folder == r.mainFolder
}

// MainFolder returns the configured main group folder name.
func (r *Registry) MainFolder() string { return r.mainFolder }

func (r *Registry) persistLocked() error {
	return writeJSONAtomic(r.path, r.byChat)
}

// DeriveFolderName turns an arbitrary display name into a safe folder name
// by lowercasing and replacing every non-safe character with '_'.
func DeriveFolderName(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, ch := range lower {
		switch {
		case ch >= 'a' && ch <= 'z', ch >= '0' && ch <= '9', ch == '-', ch == '_':
			b.WriteRune(ch)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "_"
	}
	return b.String()
}

// writeJSONAtomic marshals v and renames a temp file over path so readers
// never observe a partial write.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}
