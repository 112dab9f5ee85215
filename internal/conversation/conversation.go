// Package conversation tracks per-session chat history. Histories are
// append-only; readers get bounded windows of the most recent turns.
package conversation

import (
	"strings"
	"sync"
	"time"
)

// Speaker identifies who produced a turn.
type Speaker string

const (
	SpeakerUser      Speaker = "user"
	SpeakerAssistant Speaker = "assistant"
)

// Turn is one message in a conversation.
type Turn struct {
	Speaker Speaker
	Content string
	At      time.Time
}

// History is one conversation's turn sequence.
// Safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	turns []Turn
}

// Append adds a turn to the history.
func (h *History) Append(speaker Speaker, content string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.turns = append(h.turns, Turn{Speaker: speaker, Content: content, At: time.Now().UTC()})
}

// Recent returns up to n most recent turns, oldest first.
func (h *History) Recent(n int) []Turn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || len(h.turns) == 0 {
		return nil
	}
	start := max(0, len(h.turns)-n)
	out := make([]Turn, len(h.turns)-start)
	copy(out, h.turns[start:])
	return out
}

// Len returns the total number of turns.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.turns)
}

// Registry holds conversation histories keyed by conversation ID.
// Safe for concurrent use.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*History
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*History)}
}

// Get returns the history for a conversation, creating it on first use.
// Blank IDs get a throwaway history: single-shot queries carry no state.
func (r *Registry) Get(conversationID string) *History {
	if strings.TrimSpace(conversationID) == "" {
		return &History{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.sessions[conversationID]
	if !ok {
		h = &History{}
		r.sessions[conversationID] = h
	}
	return h
}

// Drop forgets a conversation.
func (r *Registry) Drop(conversationID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, conversationID)
}
