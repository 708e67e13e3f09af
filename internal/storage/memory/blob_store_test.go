package memory

import (
	"context"
	"strings"
	"testing"
)

func TestBlobStorePutAndGet(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	uri, err := store.PutObject(context.Background(), "snapshots/shop.com/abc.html", "text/html", strings.NewReader("<html></html>"))
	if err != nil {
		t.Fatalf("PutObject() error = %v", err)
	}
	if uri != "memory://snapshots/shop.com/abc.html" {
		t.Fatalf("unexpected uri %s", uri)
	}

	data, contentType, ok := store.Get("snapshots/shop.com/abc.html")
	if !ok {
		t.Fatalf("expected object to be stored")
	}
	if string(data) != "<html></html>" || contentType != "text/html" {
		t.Fatalf("unexpected object %q (%s)", data, contentType)
	}
	data[0] = 'X'
	again, _, _ := store.Get("snapshots/shop.com/abc.html")
	if again[0] != '<' {
		t.Fatalf("expected Get to return a copy")
	}
	if paths := store.Paths(); len(paths) != 1 {
		t.Fatalf("expected one path, got %v", paths)
	}
}
