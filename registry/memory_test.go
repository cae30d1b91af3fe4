package registry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryPutAndFind(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	err := m.Put(ctx, &Tunnel{PublicID: "pub-1", Subdomain: "alice", Status: "offline"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, err := m.FindTunnelBySubdomain(ctx, "alice")
	if err != nil {
		t.Fatalf("FindTunnelBySubdomain: %v", err)
	}
	if got.PublicID != "pub-1" || got.Status != "offline" {
		t.Fatalf("got %+v", got)
	}
}

func TestMemoryFindUnknownSubdomain(t *testing.T) {
	m := NewMemory()
	_, err := m.FindTunnelBySubdomain(context.Background(), "nobody")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMemoryMarkTunnelStatus(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	if err := m.Put(ctx, &Tunnel{PublicID: "pub-1", Subdomain: "alice", Status: "offline"}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := m.MarkTunnelStatus(ctx, "pub-1", "online", time.Now()); err != nil {
		t.Fatalf("MarkTunnelStatus: %v", err)
	}

	got, err := m.FindTunnelBySubdomain(ctx, "alice")
	if err != nil {
		t.Fatalf("FindTunnelBySubdomain: %v", err)
	}
	if got.Status != "online" {
		t.Fatalf("got status %q, want online", got.Status)
	}
}

func TestMemoryMarkTunnelStatusUnknown(t *testing.T) {
	m := NewMemory()
	err := m.MarkTunnelStatus(context.Background(), "nobody", "online", time.Now())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

// PutOverwritesBySubdomain exercises the same invariant the front door
// relies on: a fresh Put for a reused subdomain fully replaces the old
// row rather than merging fields into it.
func TestMemoryPutOverwritesBySubdomain(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	m.Put(ctx, &Tunnel{PublicID: "pub-1", Subdomain: "alice", Status: "online"})
	m.Put(ctx, &Tunnel{PublicID: "pub-2", Subdomain: "alice", Status: "offline"})

	got, err := m.FindTunnelBySubdomain(ctx, "alice")
	if err != nil {
		t.Fatalf("FindTunnelBySubdomain: %v", err)
	}
	if got.PublicID != "pub-2" || got.Status != "offline" {
		t.Fatalf("got %+v, want the second Put's row", got)
	}
}
