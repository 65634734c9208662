package artifacts

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
)

func TestMemoryStore_UploadListDelete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, name := range []string{"abc.zip", "abc.sandbox.log"} {
		if _, err := store.Upload(ctx, RunKey("abc", name), strings.NewReader(name), -1, nil); err != nil {
			t.Fatalf("Upload failed: %v", err)
		}
	}
	store.Upload(ctx, RunKey("other", "x.zip"), strings.NewReader("x"), -1, nil)

	listed, err := store.List(ctx, RunPrefix("abc"))
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(listed) != 2 || listed[0].Key != "runs/abc/abc.sandbox.log" {
		t.Errorf("unexpected listing: %+v", listed)
	}

	rc, err := store.Download(ctx, RunKey("abc", "abc.zip"))
	if err != nil {
		t.Fatalf("Download failed: %v", err)
	}
	data, _ := io.ReadAll(rc)
	if string(data) != "abc.zip" {
		t.Errorf("unexpected content %q", data)
	}

	store.DeletePrefix(ctx, RunPrefix("abc"))
	if _, err := store.Download(ctx, RunKey("abc", "abc.zip")); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
	if left, _ := store.List(ctx, ""); len(left) != 1 {
		t.Errorf("other run's artifacts should remain, got %d", len(left))
	}
}

func TestContentType(t *testing.T) {
	if got := ContentType("mask.png"); got != "image/png" {
		t.Errorf("ContentType(png) = %q", got)
	}
	if got := ContentType("plantit.123.unknownext"); got != "application/octet-stream" {
		t.Errorf("ContentType(unknown) = %q", got)
	}
}
