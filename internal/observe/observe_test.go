package observe

import "testing"

func TestValueNotifiesWatchers(t *testing.T) {
	v := NewValue(1)
	var seen []int
	cancel := v.Watch(func(n int) { seen = append(seen, n) })
	v.Set(2)
	if got := v.Update(func(n int) int { return n * 10 }); got != 20 {
		t.Fatalf("expected 20, got %d", got)
	}
	cancel()
	cancel()
	v.Set(3)
	if v.Get() != 3 {
		t.Fatalf("expected current value 3, got %d", v.Get())
	}
	if len(seen) != 2 || seen[0] != 2 || seen[1] != 20 {
		t.Fatalf("unexpected notifications %v", seen)
	}
}

func TestZeroValueIsUsable(t *testing.T) {
	var v Value[string]
	cancel := v.Watch(func(string) {})
	defer cancel()
	v.Set("x")
	if v.Get() != "x" {
		t.Fatalf("expected x, got %q", v.Get())
	}
}
