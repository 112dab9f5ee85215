package conversation

import (
	"sync"
	"testing"
)

func TestHistoryAppendAndRecent(t *testing.T) {
	h := &History{}
	h.Append(SpeakerUser, "how do I import a CSV?")
	h.Append(SpeakerAssistant, "Use the import panel.")
	h.Append(SpeakerUser, "and Excel files?")

	if h.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", h.Len())
	}

	recent := h.Recent(2)
	if len(recent) != 2 {
		t.Fatalf("Recent(2) returned %d turns", len(recent))
	}
	if recent[0].Speaker != SpeakerAssistant || recent[1].Content != "and Excel files?" {
		t.Errorf("recent turns = %+v", recent)
	}

	if got := h.Recent(10); len(got) != 3 {
		t.Errorf("Recent beyond length = %d turns, want 3", len(got))
	}
	if got := h.Recent(0); len(got) != 0 {
		t.Errorf("Recent(0) = %d turns, want 0", len(got))
	}
}

func TestRegistryReusesHistories(t *testing.T) {
	r := NewRegistry()

	a := r.Get("conv-1")
	a.Append(SpeakerUser, "first")

	if got := r.Get("conv-1"); got.Len() != 1 {
		t.Errorf("same ID returned fresh history, Len = %d", got.Len())
	}
	if got := r.Get("conv-2"); got.Len() != 0 {
		t.Errorf("distinct ID shares history, Len = %d", got.Len())
	}
}

func TestRegistryBlankIDIsThrowaway(t *testing.T) {
	r := NewRegistry()
	h := r.Get("")
	h.Append(SpeakerUser, "anonymous")

	if got := r.Get(""); got.Len() != 0 {
		t.Errorf("blank ID history persisted, Len = %d", got.Len())
	}
}

func TestRegistryDrop(t *testing.T) {
	r := NewRegistry()
	r.Get("conv-1").Append(SpeakerUser, "hello")
	r.Drop("conv-1")

	if got := r.Get("conv-1"); got.Len() != 0 {
		t.Errorf("dropped history survived, Len = %d", got.Len())
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h := r.Get("shared")
			h.Append(SpeakerUser, "turn")
			_ = h.Recent(4)
		}()
	}
	wg.Wait()

	if got := r.Get("shared").Len(); got != 8 {
		t.Errorf("Len = %d, want 8", got)
	}
}
