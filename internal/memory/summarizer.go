// Package memory condenses old chat history into a rolling narrative
// summary so the fast path keeps long-term context without unbounded
// prompts. Archived messages are deleted in the same transaction that
// records the summary.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/nanoclaw/internal/config"
	"github.com/nextlevelbuilder/nanoclaw/internal/store"
)

const (
	senderNameLimit = 50
	// maxPromptLength bounds the combined summarisation prompt.
	maxPromptLength  = 100000
	summarizeTimeout = 60 * time.Second
)

const defaultSummaryPrompt = "Summarise the following chat history into a concise narrative that preserves names, decisions, preferences and open threads. Write in the third person."

// Summarizer is the provider surface the summariser needs.
type Summarizer interface {
	Generate(ctx context.Context, model, systemInstruction, prompt string) (string, error)
}

// Manager decides when chats need summarising and performs the archive.
type Manager struct {
	store    *store.Store
	provider Summarizer
	cfg      config.MemoryConfig
	model    string

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewManager builds a memory manager. provider may be nil; CheckChat is
// then a no-op.
func NewManager(s *store.Store, provider Summarizer, cfg config.MemoryConfig, model string) *Manager {
	return &Manager{
		store:    s,
		provider: provider,
		cfg:      cfg,
		model:    model,
		stopCh:   make(chan struct{}),
	}
}

// NeedsSummary reports whether a chat has crossed either threshold.
func (m *Manager) NeedsSummary(ctx context.Context, chatID string) (bool, error) {
	count, chars, err := m.store.MessageStats(ctx, chatID)
	if err != nil {
		return false, fmt.Errorf("message stats: %w", err)
	}
	return chars > int64(m.cfg.SummarizeThresholdChars) || count > m.cfg.MaxContextMessages, nil
}

// CheckChat summarises and archives the chat's oldest messages when a
// threshold is exceeded. Safe to call after every message; it exits cheaply
// when nothing is due.
func (m *Manager) CheckChat(ctx context.Context, groupFolder, chatID string) error {
	if m.provider == nil {
		return nil
	}
	due, err := m.NeedsSummary(ctx, chatID)
	if err != nil || !due {
		return err
	}
	return m.summarize(ctx, groupFolder, chatID)
}

func (m *Manager) summarize(ctx context.Context, groupFolder, chatID string) error {
	msgs, err := m.store.OldestMessages(ctx, chatID, m.cfg.MaxContextMessages)
	if err != nil {
		return fmt.Errorf("fetch oldest messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	prior, err := m.store.GetMemorySummary(ctx, groupFolder)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("load prior summary: %w", err)
	}

	prompt := buildPrompt(prior, msgs)

	instruction := m.cfg.SummaryPrompt
	if instruction == "" {
		instruction = defaultSummaryPrompt
	}

	genCtx, cancel := context.WithTimeout(ctx, summarizeTimeout)
	defer cancel()
	summary, err := m.provider.Generate(genCtx, m.model, instruction, prompt)
	if err != nil {
		return fmt.Errorf("generate summary: %w", err)
	}

	var chars int64
	for _, msg := range msgs {
		chars += int64(len(msg.Content))
	}
	newest := msgs[len(msgs)-1].Timestamp

	if err := m.store.ArchiveMessages(ctx, groupFolder, chatID, summary, int64(len(msgs)), chars, newest); err != nil {
		return fmt.Errorf("archive messages: %w", err)
	}
	slog.Info("chat history summarised",
		slog.String("group", groupFolder),
		slog.String("chat", chatID),
		slog.Int("messages", len(msgs)))
	return nil
}

// buildPrompt concatenates sanitised messages, with any prior summary
// prepended, capped at maxPromptLength.
func buildPrompt(prior *store.MemorySummary, msgs []store.Message) string {
	var b strings.Builder
	if prior != nil && prior.Summary != "" {
		b.WriteString("PREVIOUS_SUMMARY:\n")
		b.WriteString(prior.Summary)
		b.WriteString("\n\n")
	}
	for _, msg := range msgs {
		b.WriteString(sanitizeSender(msg.SenderName))
		b.WriteString(": ")
		b.WriteString(msg.Content)
		b.WriteString("\n")
	}
	prompt := b.String()
	if len(prompt) > maxPromptLength {
		prompt = prompt[:maxPromptLength]
	}
	return prompt
}

// sanitizeSender caps the name and strips control characters.
func sanitizeSender(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)
	if len(cleaned) > senderNameLimit {
		cleaned = cleaned[:senderNameLimit]
	}
	return cleaned
}

// Start launches the periodic check over all registered groups. list
// returns the (groupFolder, chatID) pairs to scan.
func (m *Manager) Start(ctx context.Context, list func() map[string]string) {
	interval := time.Duration(m.cfg.CheckIntervalHours) * time.Hour
	if interval <= 0 || m.provider == nil {
		return
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				for folder, chatID := range list() {
					if err := m.CheckChat(ctx, folder, chatID); err != nil {
						slog.Warn("periodic memory check failed",
							slog.String("group", folder), slog.String("error", err.Error()))
					}
				}
			}
		}
	}()
}

// Stop halts the periodic check loop.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}
