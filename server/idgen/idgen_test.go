package idgen

import (
	"sync"
	"testing"
)

func TestNewUniqueness(t *testing.T) {
	const n = 10000
	seen := make(map[string]struct{}, n)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]string, 0, n/8)
			for j := 0; j < n/8; j++ {
				local = append(local, New())
			}
			mu.Lock()
			defer mu.Unlock()
			for _, id := range local {
				if _, dup := seen[id]; dup {
					t.Errorf("duplicate id %s", id)
				}
				seen[id] = struct{}{}
			}
		}()
	}
	wg.Wait()
}

func TestNewShape(t *testing.T) {
	id := New()
	if len(id) != 16 {
		t.Fatalf("id length = %d, want 16: %q", len(id), id)
	}
	for _, r := range id {
		if !(r >= 'a' && r <= 'z' || r >= '2' && r <= '7') {
			t.Fatalf("unexpected character %q in id %q", r, id)
		}
	}
}
