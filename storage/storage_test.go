package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
)

func newLocalStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(nil, "", "", dir, logger), dir
}

func TestKey(t *testing.T) {
	tests := []struct {
		alias string
		want  string
	}{
		{"GARANT", "GARANT_raw.txt"},
		{"kit_group", "KIT_GROUP_raw.txt"},
		{" swaps ", "SWAPS_raw.txt"},
	}
	for _, tt := range tests {
		if got := Key(tt.alias); got != tt.want {
			t.Errorf("Key(%q) = %q, want %q", tt.alias, got, tt.want)
		}
	}
}

func TestReadMissingChannel(t *testing.T) {
	s, _ := newLocalStore(t)

	text, err := s.ReadChannelText(context.Background(), "GARANT")
	if err != nil {
		t.Fatalf("ReadChannelText() error = %v", err)
	}
	if text != "" {
		t.Errorf("ReadChannelText() = %q, want empty", text)
	}

	if _, _, err := s.read(context.Background(), "GARANT"); !IsNotFound(err) {
		t.Errorf("read() error = %v, want not found", err)
	}
}

func TestWriteThenRead(t *testing.T) {
	s, dir := newLocalStore(t)
	ctx := context.Background()

	if err := s.WriteChannelText(ctx, "garant", "hello"); err != nil {
		t.Fatalf("WriteChannelText() error = %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "GARANT_raw.txt")); err != nil {
		t.Errorf("expected GARANT_raw.txt on disk: %v", err)
	}

	if err := s.WriteChannelText(ctx, "GARANT", "replaced"); err != nil {
		t.Fatalf("WriteChannelText() error = %v", err)
	}
	got, err := s.ReadChannelText(ctx, "GARANT")
	if err != nil {
		t.Fatalf("ReadChannelText() error = %v", err)
	}
	if got != "replaced" {
		t.Errorf("ReadChannelText() = %q, want %q", got, "replaced")
	}
}

func TestMergePrepends(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	for _, block := range []string{"first\n", "second\n", "third\n"} {
		if err := s.Merge(ctx, "SWAPS", block); err != nil {
			t.Fatalf("Merge(%q) error = %v", block, err)
		}
	}

	got, err := s.ReadChannelText(ctx, "SWAPS")
	if err != nil {
		t.Fatalf("ReadChannelText() error = %v", err)
	}
	if want := "third\nsecond\nfirst\n"; got != want {
		t.Errorf("ReadChannelText() = %q, want %q", got, want)
	}
}

func TestMergeConcurrentKeepsEveryBlock(t *testing.T) {
	s, _ := newLocalStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := s.Merge(ctx, "UACOIN", fmt.Sprintf("b%02d\n", i)); err != nil {
				t.Errorf("Merge() error = %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := s.ReadChannelText(ctx, "UACOIN")
	if err != nil {
		t.Fatalf("ReadChannelText() error = %v", err)
	}
	if len(got) != 20*4 {
		t.Errorf("merged text has %d bytes, want %d: %q", len(got), 20*4, got)
	}
}

func TestList(t *testing.T) {
	s, dir := newLocalStore(t)
	ctx := context.Background()

	for _, alias := range []string{"GARANT", "SWAPS"} {
		if err := s.WriteChannelText(ctx, alias, "x"); err != nil {
			t.Fatalf("WriteChannelText() error = %v", err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.json"), []byte("{}"), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	sort.Strings(got)
	if len(got) != 2 || got[0] != "GARANT" || got[1] != "SWAPS" {
		t.Errorf("List() = %v, want [GARANT SWAPS]", got)
	}
}

func TestLocalPrefix(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	ctx := context.Background()

	for _, prefix := range []string{"raw/", "raw/kyiv-", "kyiv-"} {
		t.Run(prefix, func(t *testing.T) {
			dir := t.TempDir()
			s := New(nil, "", prefix, dir, logger)

			got, err := s.List(ctx)
			if err != nil || len(got) != 0 {
				t.Fatalf("List() on empty store = %v, %v", got, err)
			}

			if err := s.Merge(ctx, "GARANT", "block\n"); err != nil {
				t.Fatalf("Merge() error = %v", err)
			}
			if _, err := os.Stat(filepath.Join(dir, prefix+"GARANT_raw.txt")); err != nil {
				t.Errorf("object not at prefixed path: %v", err)
			}

			got, err = s.List(ctx)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(got) != 1 || got[0] != "GARANT" {
				t.Errorf("List() = %v, want [GARANT]", got)
			}
		})
	}
}
