package broker

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testAdmin(id string, role Role, bound ...string) Admin {
	now := time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC)
	return Admin{
		ID:           id,
		Role:         role,
		Capacity:     3,
		BoundUsers:   bound,
		JoinedAt:     now,
		LastActiveAt: now,
	}
}

func TestFileStoreLoadMissingIsEmpty(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "pairing"))
	if err := store.Ensure(context.Background()); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(snap.Admins) != 0 || len(snap.Requests) != 0 {
		t.Fatalf("Load() on missing file = %+v, want empty snapshot", snap)
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewFileStore(filepath.Join(t.TempDir(), "pairing"))
	if err := store.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}

	created := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	snap := Snapshot{
		Admins: map[string]Admin{
			"tg:1":   testAdmin("tg:1", RoleSuperAdmin),
			"tg:100": testAdmin("tg:100", RoleAdmin, "u1"),
		},
		Requests: map[string]PairingRequest{
			"u1": {UserID: "u1", AdminID: "tg:100", Status: StatusAccepted, CreatedAt: created, BoundChatID: "u1"},
			"u2": {UserID: "u2", UserDisplayName: "Bob", AdminID: "tg:100", Status: StatusPending, CreatedAt: created},
		},
	}
	if err := store.Save(ctx, snap); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got.Admins) != 2 || len(got.Requests) != 2 {
		t.Fatalf("Load() = %d admins, %d requests, want 2 and 2", len(got.Admins), len(got.Requests))
	}
	if got.Admins["tg:100"].BoundUsers[0] != "u1" {
		t.Fatalf("admin tg:100 bound users = %v", got.Admins["tg:100"].BoundUsers)
	}
	if r := got.Requests["u2"]; r.UserDisplayName != "Bob" || r.Status != StatusPending {
		t.Fatalf("request u2 = %+v", r)
	}
	if !got.Requests["u1"].CreatedAt.Equal(created) {
		t.Fatalf("request u1 created_at = %v, want %v", got.Requests["u1"].CreatedAt, created)
	}
}

func TestFileStoreRejectsUnknownFields(t *testing.T) {
	root := filepath.Join(t.TempDir(), "pairing")
	if err := os.MkdirAll(root, 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	doc := strings.Join([]string{
		"version: 1",
		"admins: []",
		"requests: []",
		"surprise: true",
		"",
	}, "\n")
	if err := os.WriteFile(filepath.Join(root, "pairing.yaml"), []byte(doc), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := NewFileStore(root).Load(context.Background()); err == nil {
		t.Fatal("Load() accepted a document with unknown fields")
	}
}

func TestFileStoreRejectsBadVersion(t *testing.T) {
	root := filepath.Join(t.TempDir(), "pairing")
	if err := os.MkdirAll(root, 0o700); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "pairing.yaml"), []byte("version: 99\n"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if _, err := NewFileStore(root).Load(context.Background()); err == nil {
		t.Fatal("Load() accepted an unsupported snapshot version")
	}
}

func TestFileStoreRejectsBrokenLinkage(t *testing.T) {
	ctx := context.Background()
	created := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		name string
		snap Snapshot
	}{
		{
			name: "accepted request not in bound set",
			snap: Snapshot{
				Admins: map[string]Admin{"tg:100": testAdmin("tg:100", RoleAdmin)},
				Requests: map[string]PairingRequest{
					"u1": {UserID: "u1", AdminID: "tg:100", Status: StatusAccepted, CreatedAt: created, BoundChatID: "u1"},
				},
			},
		},
		{
			name: "bound user without accepted request",
			snap: Snapshot{
				Admins:   map[string]Admin{"tg:100": testAdmin("tg:100", RoleAdmin, "ghost")},
				Requests: map[string]PairingRequest{},
			},
		},
		{
			name: "request references unknown admin",
			snap: Snapshot{
				Admins: map[string]Admin{},
				Requests: map[string]PairingRequest{
					"u1": {UserID: "u1", AdminID: "tg:999", Status: StatusPending, CreatedAt: created},
				},
			},
		},
		{
			name: "pending request carries binding",
			snap: Snapshot{
				Admins: map[string]Admin{"tg:100": testAdmin("tg:100", RoleAdmin)},
				Requests: map[string]PairingRequest{
					"u1": {UserID: "u1", AdminID: "tg:100", Status: StatusPending, CreatedAt: created, BoundChatID: "u1"},
				},
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := NewFileStore(filepath.Join(t.TempDir(), "pairing"))
			if err := store.Ensure(ctx); err != nil {
				t.Fatalf("Ensure() error = %v", err)
			}
			if err := store.Save(ctx, tc.snap); err == nil {
				t.Fatal("Save() accepted an inconsistent snapshot")
			}
		})
	}
}

func TestFileStoreSaveLeavesNoTempFiles(t *testing.T) {
	ctx := context.Background()
	root := filepath.Join(t.TempDir(), "pairing")
	store := NewFileStore(root)
	if err := store.Ensure(ctx); err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := store.Save(ctx, emptySnapshot()); err != nil {
			t.Fatalf("Save() error = %v", err)
		}
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.Contains(e.Name(), ".tmp.") {
			t.Fatalf("temp file left behind: %s", e.Name())
		}
	}
}
