package ids

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
)

func TestNewSessionIDSequentialOrdering(t *testing.T) {
	const total = 100
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		ids[i] = NewSessionID()
	}

	for i := 0; i < total; i++ {
		if !strings.HasPrefix(ids[i], "ses_") {
			t.Fatalf("expected ses_ prefix, got %s", ids[i])
		}
		if _, err := ulid.Parse(strings.TrimPrefix(ids[i], "ses_")); err != nil {
			t.Fatalf("expected valid ULID, got %v", err)
		}
	}

	for i := 1; i < total; i++ {
		if ids[i-1] >= ids[i] {
			t.Fatalf("expected ids to be strictly increasing, %s >= %s", ids[i-1], ids[i])
		}
	}
}

func TestNewClientIDConcurrentUniqueness(t *testing.T) {
	const goroutines = 10
	const perGoroutine = 20

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)

	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				id := NewClientID()
				mu.Lock()
				if _, ok := seen[id]; ok {
					t.Errorf("duplicate id generated: %s", id)
				} else {
					seen[id] = struct{}{}
				}
				mu.Unlock()
			}
		}()
	}

	wg.Wait()

	if len(seen) != goroutines*perGoroutine {
		t.Fatalf("expected %d unique ids, got %d", goroutines*perGoroutine, len(seen))
	}
}

func TestNewMessageIDIsLowercase(t *testing.T) {
	id := NewMessageID()
	if len(id) != 26 {
		t.Fatalf("expected 26 characters, got %d", len(id))
	}
	if id != strings.ToLower(id) {
		t.Fatalf("expected lowercase id, got %s", id)
	}
}

func TestCreatedAt(t *testing.T) {
	before := time.Now().Add(-time.Second)
	id := NewSessionID()

	at, ok := CreatedAt(id)
	if !ok {
		t.Fatalf("expected %s to parse", id)
	}
	if at.Before(before) || at.After(time.Now().Add(time.Second)) {
		t.Fatalf("unexpected creation time %v", at)
	}

	if _, ok := CreatedAt("not-an-id"); ok {
		t.Fatal("expected garbage id to be rejected")
	}
}
