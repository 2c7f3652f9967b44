package registry

import (
	"sync"
	"testing"
)

type testObserver struct {
	events []Event[string]
}

func (o *testObserver) OnEvent(e Event[string]) {
	o.events = append(o.events, e)
}

func TestTable_Basic(t *testing.T) {
	table := NewTable[string]()

	h, err := table.Insert(1, "test")
	if err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if h == 0 {
		t.Fatal("Expected non-zero handle")
	}

	val, ok := table.Get(h)
	if !ok || val != "test" {
		t.Fatalf("Get = %q, %v", val, ok)
	}
	kind, ok := table.Kind(h)
	if !ok || kind != 1 {
		t.Fatalf("Kind = %d, %v", kind, ok)
	}

	val, ok = table.Remove(h)
	if !ok || val != "test" {
		t.Fatalf("Remove = %q, %v", val, ok)
	}
	if table.Len() != 0 {
		t.Fatal("Expected Len() == 0 after Remove")
	}
	if _, ok := table.Get(h); ok {
		t.Fatal("Get after Remove should fail")
	}
	if _, ok := table.Remove(h); ok {
		t.Fatal("double Remove should fail")
	}
}

func TestTable_InvalidHandles(t *testing.T) {
	table := NewTable[int]()
	for _, h := range []Handle{0, 1, 99} {
		if _, ok := table.Get(h); ok {
			t.Errorf("Get(%d) succeeded on empty table", h)
		}
		if _, ok := table.Kind(h); ok {
			t.Errorf("Kind(%d) succeeded on empty table", h)
		}
	}
}

func TestTable_HandleReuse(t *testing.T) {
	table := NewTable[string]()
	h1, _ := table.Insert(0, "a")
	h2, _ := table.Insert(0, "b")
	table.Remove(h1)
	h3, _ := table.Insert(0, "c")
	if h3 != h1 {
		t.Errorf("expected freed handle %d to be reused, got %d", h1, h3)
	}
	if v, _ := table.Get(h2); v != "b" {
		t.Errorf("h2 = %q", v)
	}
	if table.Len() != 2 {
		t.Errorf("Len = %d", table.Len())
	}
}

func TestTable_Observer(t *testing.T) {
	table := NewTable[string]()
	obs := &testObserver{}
	table.Subscribe(obs)

	h, _ := table.Insert(7, "test")
	if len(obs.events) != 1 {
		t.Fatalf("Expected 1 event, got %d", len(obs.events))
	}
	if e := obs.events[0]; e.Type != EventCreated || e.Handle != h || e.Kind != 7 || e.Value != "test" {
		t.Fatalf("unexpected create event %+v", e)
	}

	table.Remove(h)
	if len(obs.events) != 2 || obs.events[1].Type != EventDropped {
		t.Fatalf("expected drop event, got %+v", obs.events)
	}

	table.Unsubscribe(obs)
	table.Insert(1, "quiet")
	if len(obs.events) != 2 {
		t.Fatal("unsubscribed observer still notified")
	}
}

func TestTable_ObserverFunc(t *testing.T) {
	table := NewTable[int]()
	var created, dropped int
	table.Subscribe(ObserverFunc[int](func(e Event[int]) {
		switch e.Type {
		case EventCreated:
			created++
		case EventDropped:
			dropped++
		}
	}))
	h, _ := table.Insert(0, 1)
	table.Remove(h)
	if created != 1 || dropped != 1 {
		t.Errorf("created=%d dropped=%d", created, dropped)
	}
}

func TestTable_Each(t *testing.T) {
	table := NewTable[string]()
	for _, s := range []string{"a", "b", "c"} {
		table.Insert(0, s)
	}

	var seen []string
	table.Each(func(h Handle, kind uint32, v string) bool {
		seen = append(seen, v)
		return true
	})
	if len(seen) != 3 || seen[0] != "a" || seen[2] != "c" {
		t.Errorf("Each saw %v", seen)
	}

	count := 0
	table.Each(func(Handle, uint32, string) bool {
		count++
		return false
	})
	if count != 1 {
		t.Errorf("Each did not stop, count=%d", count)
	}

	// Each runs on a snapshot so removal from the callback is allowed.
	table.Each(func(h Handle, _ uint32, _ string) bool {
		table.Remove(h)
		return true
	})
	if table.Len() != 0 {
		t.Errorf("Len = %d after removing during Each", table.Len())
	}
}

func TestTable_Close(t *testing.T) {
	table := NewTable[string]()
	h, _ := table.Insert(0, "kept")
	if err := table.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := table.Insert(0, "late"); err != ErrClosed {
		t.Errorf("Insert after Close err = %v", err)
	}
	if _, ok := table.Remove(h); !ok {
		t.Error("Remove after Close failed")
	}
}

func TestTable_Concurrent(t *testing.T) {
	table := NewTable[int]()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				h, err := table.Insert(uint32(i), j)
				if err != nil {
					t.Error(err)
					return
				}
				if v, ok := table.Get(h); !ok || v != j {
					t.Errorf("Get(%d) = %d, %v", h, v, ok)
				}
				table.Remove(h)
			}
		}(i)
	}
	wg.Wait()
	if table.Len() != 0 {
		t.Errorf("Len = %d", table.Len())
	}
}
