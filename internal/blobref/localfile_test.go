package blobref

import (
	"context"
	"testing"
)

func TestLocalFileBlobStorePutGetRoundTrip(t *testing.T) {
	s, err := NewLocalFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	ref, err := s.Put(ctx, []byte("hello blob"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if ref == "" {
		t.Fatal("expected non-empty ref")
	}

	got, err := s.Get(ctx, ref)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "hello blob" {
		t.Errorf("got %q, want %q", got, "hello blob")
	}
}

func TestLocalFileBlobStorePutIsContentAddressed(t *testing.T) {
	s, err := NewLocalFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	ref1, err := s.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("first put: %v", err)
	}
	ref2, err := s.Put(ctx, []byte("same bytes"))
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if ref1 != ref2 {
		t.Errorf("expected identical refs for identical content, got %q and %q", ref1, ref2)
	}
}

func TestLocalFileBlobStoreGetMissingRefFails(t *testing.T) {
	s, err := NewLocalFileBlobStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if _, err := s.Get(context.Background(), "does-not-exist"); err == nil {
		t.Fatal("expected an error for a missing ref")
	}
}
