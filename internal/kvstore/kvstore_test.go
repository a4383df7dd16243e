package kvstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strings"
	"testing"
)

func exerciseStorage(t *testing.T, s Storage) {
	t.Helper()
	ctx := context.Background()

	if _, ok, err := s.GetItem(ctx, "missing"); err != nil || ok {
		t.Fatalf("expected missing key, got ok=%v err=%v", ok, err)
	}
	if err := s.SetItem(ctx, "b", "2"); err != nil {
		t.Fatalf("set b failed: %v", err)
	}
	if err := s.SetItem(ctx, "a", "1"); err != nil {
		t.Fatalf("set a failed: %v", err)
	}
	if err := s.SetItem(ctx, "a", "one"); err != nil {
		t.Fatalf("overwrite a failed: %v", err)
	}
	value, ok, err := s.GetItem(ctx, "a")
	if err != nil || !ok || value != "one" {
		t.Fatalf("expected a=one, got %q ok=%v err=%v", value, ok, err)
	}
	keys, err := s.GetAllKeys(ctx)
	if err != nil {
		t.Fatalf("list keys failed: %v", err)
	}
	if !reflect.DeepEqual(keys, []string{"a", "b"}) {
		t.Fatalf("unexpected keys %v", keys)
	}
	if err := s.RemoveItem(ctx, "a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := s.RemoveItem(ctx, "a"); err != nil {
		t.Fatalf("second remove should be a no-op, got %v", err)
	}
	if _, ok, _ := s.GetItem(ctx, "a"); ok {
		t.Fatalf("expected a to be removed")
	}
	if err := s.SetItem(ctx, " ", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank key, got %v", err)
	}
}

func TestMemoryStorage(t *testing.T) {
	exerciseStorage(t, NewMemory())
}

func TestFileStorage(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open file storage failed: %v", err)
	}
	defer f.Close()
	exerciseStorage(t, f)
}

func TestFileStoragePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "store.json")
	first, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if err := first.SetItem(context.Background(), "outbox:queue", `[{"id":"m1"}]`); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	second, err := OpenFile(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer second.Close()
	value, ok, err := second.GetItem(context.Background(), "outbox:queue")
	if err != nil || !ok || value != `[{"id":"m1"}]` {
		t.Fatalf("expected persisted value, got %q ok=%v err=%v", value, ok, err)
	}
}

func TestFileStorageRejectsSecondOpener(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("advisory locking is unix only")
	}
	path := filepath.Join(t.TempDir(), "store.json")
	first, err := OpenFile(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if _, err := OpenFile(path); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	second, err := OpenFile(path)
	if err != nil {
		t.Fatalf("expected open after close to succeed, got %v", err)
	}
	_ = second.Close()
}

func TestFileStorageRejectsCorruptSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "store.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file failed: %v", err)
	}
	if _, err := OpenFile(path); err == nil || !strings.Contains(err.Error(), "decode") {
		t.Fatalf("expected decode error, got %v", err)
	}
}

func TestFileStorageClosedRejectsWrites(t *testing.T) {
	f, err := OpenFile(filepath.Join(t.TempDir(), "store.json"))
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	_ = f.Close()
	_ = f.Close()
	if err := f.SetItem(context.Background(), "k", "v"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestOpenSelectsBackendByScheme(t *testing.T) {
	mem, err := Open("memory://")
	if err != nil {
		t.Fatalf("open memory failed: %v", err)
	}
	if _, ok := mem.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", mem)
	}

	path := filepath.Join(t.TempDir(), "store.json")
	fileStore, err := Open("file://" + path)
	if err != nil {
		t.Fatalf("open file dsn failed: %v", err)
	}
	f, ok := fileStore.(*File)
	if !ok || f.Path() != path {
		t.Fatalf("expected file store at %s, got %T", path, fileStore)
	}
	_ = Close(fileStore)

	bare, err := Open(path)
	if err != nil {
		t.Fatalf("open bare path failed: %v", err)
	}
	_ = Close(bare)

	if _, err := Open("sqlite:///tmp/x.db"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented, got %v", err)
	}
	if _, err := Open("ftp://example"); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
	if _, err := Open("  "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected invalid input for blank dsn, got %v", err)
	}
}

func TestRegisterFactoryOverridesScheme(t *testing.T) {
	custom := NewMemory()
	RegisterFactory("Custom-KV", func(dsn string) (Storage, error) {
		return custom, nil
	})
	got, err := Open("custom-kv://anything")
	if err != nil {
		t.Fatalf("open custom failed: %v", err)
	}
	if got != custom {
		t.Fatalf("expected registered factory to be used")
	}
}

func TestSplitNamespace(t *testing.T) {
	dsn, ns, err := splitNamespace("postgres://u:p@db/app?sslmode=disable&namespace=device_1", "default")
	if err != nil {
		t.Fatalf("split failed: %v", err)
	}
	if ns != "device_1" {
		t.Fatalf("expected namespace device_1, got %q", ns)
	}
	if strings.Contains(dsn, "namespace") || !strings.Contains(dsn, "sslmode=disable") {
		t.Fatalf("unexpected cleaned dsn %q", dsn)
	}

	_, ns, err = splitNamespace("redis://localhost:6379/0", "relaysync")
	if err != nil || ns != "relaysync" {
		t.Fatalf("expected fallback namespace, got %q err=%v", ns, err)
	}
	if _, _, err := splitNamespace("redis://localhost:6379/0?namespace=a*", "x"); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected pattern characters to be rejected, got %v", err)
	}
}

func TestPostgresQuoteIdentifier(t *testing.T) {
	if got := postgresQuoteIdentifier(`kv"x`); got != `"kv""x"` {
		t.Fatalf("unexpected quoted identifier %s", got)
	}
}
