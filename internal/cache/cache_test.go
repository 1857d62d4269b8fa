package cache

import (
	"fmt"
	"testing"
)

func setupTestCache(tb testing.TB) *Cache {
	tb.Helper()
	c, err := New(tb.TempDir(), nil)
	if err != nil {
		tb.Fatalf("failed to create cache: %v", err)
	}
	tb.Cleanup(func() { c.Close() })
	return c
}

func TestAttrRoundTrip(t *testing.T) {
	c := setupTestCache(t)

	entry := &AttrEntry{Ino: 3, Mode: 0100644, Size: 13, Mtime: 1700000000, Nlink: 1}
	if err := c.PutAttr("hello.txt", entry); err != nil {
		t.Fatalf("PutAttr failed: %v", err)
	}

	got, err := c.GetAttr("hello.txt")
	if err != nil {
		t.Fatalf("GetAttr failed: %v", err)
	}
	if *got != *entry {
		t.Errorf("GetAttr = %+v, want %+v", got, entry)
	}
}

func TestRootKey(t *testing.T) {
	c := setupTestCache(t)

	if err := c.PutAttr("", &AttrEntry{Ino: 1, Mode: 040755}); err != nil {
		t.Fatalf("PutAttr root failed: %v", err)
	}
	got, err := c.GetAttr("")
	if err != nil || got.Ino != 1 {
		t.Fatalf("GetAttr root = %+v, %v", got, err)
	}
}

func TestGetAttrNotFound(t *testing.T) {
	c := setupTestCache(t)

	if _, err := c.GetAttr("calc/missing"); err == nil {
		t.Error("expected error for missing entry")
	}
}

func TestDirRoundTrip(t *testing.T) {
	c := setupTestCache(t)

	entries := []DirEntry{
		{Name: "calc", Mode: 040755, Ino: 2},
		{Name: "hello.txt", Mode: 0100644, Ino: 3},
	}
	if err := c.PutDir("", entries); err != nil {
		t.Fatalf("PutDir failed: %v", err)
	}

	got, err := c.GetDir("")
	if err != nil {
		t.Fatalf("GetDir failed: %v", err)
	}
	if len(got) != len(entries) {
		t.Fatalf("got %d entries, want %d", len(got), len(entries))
	}
	for i := range entries {
		if got[i].Name != entries[i].Name || got[i].Mode != entries[i].Mode || got[i].Ino != entries[i].Ino {
			t.Errorf("entry %d = %+v, want %+v", i, got[i], entries[i])
		}
	}
}

func TestInvalidate(t *testing.T) {
	c := setupTestCache(t)

	c.PutAttr("calc", &AttrEntry{Ino: 2})
	c.PutDir("calc", []DirEntry{{Name: "fib.num", Ino: 4}})
	c.Invalidate("calc")

	if _, err := c.GetAttr("calc"); err == nil {
		t.Error("attr still cached after Invalidate")
	}
	if _, err := c.GetDir("calc"); err == nil {
		t.Error("dir still cached after Invalidate")
	}
}

func TestStats(t *testing.T) {
	c := setupTestCache(t)

	c.PutAttr("a", &AttrEntry{Ino: 2})
	c.GetAttr("a")
	c.GetAttr("a")
	c.GetAttr("b")

	s := c.Stats()
	if s.Hits != 2 || s.Misses != 1 {
		t.Errorf("stats = %+v, want 2 hits 1 miss", s)
	}
}

func BenchmarkGetAttr(b *testing.B) {
	c := setupTestCache(b)
	for i := 0; i < 100; i++ {
		c.PutAttr(fmt.Sprintf("bench/%d", i), &AttrEntry{Ino: uint64(i)})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.GetAttr(fmt.Sprintf("bench/%d", i%100))
	}
}
