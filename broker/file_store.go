package broker

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/TPE1314/T/internal/fsstore"
)

const (
	snapshotVersion  = 1
	snapshotFilename = "pairing.yaml"
)

// Snapshot is the full registry+request state handed to and from a
// SnapshotStore. Writes always replace the whole document so a reader never
// observes a partially updated record.
type Snapshot struct {
	Admins   map[string]Admin
	Requests map[string]PairingRequest
}

type SnapshotStore interface {
	Ensure(ctx context.Context) error
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

type snapshotFile struct {
	Version  int              `yaml:"version"`
	Admins   []Admin          `yaml:"admins"`
	Requests []PairingRequest `yaml:"requests"`
}

// FileStore persists the snapshot as one human-readable YAML document under
// root, replaced atomically on every save.
type FileStore struct {
	root string
	mu   sync.Mutex
}

func NewFileStore(root string) *FileStore {
	return &FileStore{root: strings.TrimSpace(root)}
}

func (s *FileStore) Ensure(ctx context.Context) error {
	if err := ensureNotCanceled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsstore.EnsureDir(s.rootPath(), 0o700)
}

func (s *FileStore) Load(ctx context.Context) (Snapshot, error) {
	if err := ensureNotCanceled(ctx); err != nil {
		return Snapshot{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var file snapshotFile
	ok, err := fsstore.ReadYAMLStrict(s.snapshotPath(), &file)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load pairing snapshot: %w", err)
	}
	if !ok {
		// Missing or empty snapshot means empty state, rebuilt from
		// configuration by the caller.
		return emptySnapshot(), nil
	}
	if file.Version != snapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported pairing snapshot version: %d", file.Version)
	}
	return snapshotFromFile(file)
}

func (s *FileStore) Save(ctx context.Context, snap Snapshot) error {
	if err := ensureNotCanceled(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	file, err := fileFromSnapshot(snap)
	if err != nil {
		return err
	}
	lockPath, err := fsstore.BuildLockPath(filepath.Join(s.rootPath(), ".fslocks"), "pairing.main")
	if err != nil {
		return err
	}
	return fsstore.WithLock(ctx, lockPath, func() error {
		return fsstore.WriteYAMLAtomic(s.snapshotPath(), file, fsstore.FileOptions{
			DirPerm:  0o700,
			FilePerm: 0o600,
		})
	})
}

func (s *FileStore) rootPath() string {
	root := strings.TrimSpace(s.root)
	if root == "" {
		return "pairing"
	}
	return filepath.Clean(root)
}

func (s *FileStore) snapshotPath() string {
	return filepath.Join(s.rootPath(), snapshotFilename)
}

func emptySnapshot() Snapshot {
	return Snapshot{
		Admins:   map[string]Admin{},
		Requests: map[string]PairingRequest{},
	}
}

func snapshotFromFile(file snapshotFile) (Snapshot, error) {
	snap := emptySnapshot()
	for _, a := range file.Admins {
		if err := validateAdminRecord(a); err != nil {
			return Snapshot{}, err
		}
		if _, dup := snap.Admins[a.ID]; dup {
			return Snapshot{}, fmt.Errorf("duplicate admin record: %s", a.ID)
		}
		snap.Admins[a.ID] = cloneAdmin(a)
	}
	for _, r := range file.Requests {
		if err := validateRequestRecord(r); err != nil {
			return Snapshot{}, err
		}
		if _, dup := snap.Requests[r.UserID]; dup {
			return Snapshot{}, fmt.Errorf("duplicate request record: %s", r.UserID)
		}
		snap.Requests[r.UserID] = r
	}
	if err := validateSnapshotLinkage(snap); err != nil {
		return Snapshot{}, err
	}
	return snap, nil
}

func fileFromSnapshot(snap Snapshot) (snapshotFile, error) {
	if err := validateSnapshotLinkage(snap); err != nil {
		return snapshotFile{}, err
	}
	file := snapshotFile{Version: snapshotVersion}
	for _, a := range snap.Admins {
		if err := validateAdminRecord(a); err != nil {
			return snapshotFile{}, err
		}
		file.Admins = append(file.Admins, cloneAdmin(a))
	}
	for _, r := range snap.Requests {
		if err := validateRequestRecord(r); err != nil {
			return snapshotFile{}, err
		}
		file.Requests = append(file.Requests, r)
	}
	sort.Slice(file.Admins, func(i, j int) bool {
		return file.Admins[i].ID < file.Admins[j].ID
	})
	sort.Slice(file.Requests, func(i, j int) bool {
		return file.Requests[i].UserID < file.Requests[j].UserID
	})
	return file, nil
}

func validateAdminRecord(a Admin) error {
	if strings.TrimSpace(a.ID) == "" {
		return fmt.Errorf("admin record missing id")
	}
	switch a.Role {
	case RoleAdmin, RoleSuperAdmin:
	default:
		return fmt.Errorf("admin %s: invalid role %q", a.ID, a.Role)
	}
	if a.Capacity <= 0 {
		return fmt.Errorf("admin %s: capacity must be > 0", a.ID)
	}
	if len(a.BoundUsers) > a.Capacity {
		return fmt.Errorf("admin %s: %d bound users exceed capacity %d", a.ID, len(a.BoundUsers), a.Capacity)
	}
	if a.JoinedAt.IsZero() || a.LastActiveAt.IsZero() {
		return fmt.Errorf("admin %s: missing timestamps", a.ID)
	}
	return nil
}

func validateRequestRecord(r PairingRequest) error {
	if strings.TrimSpace(r.UserID) == "" {
		return fmt.Errorf("request record missing user_id")
	}
	if strings.TrimSpace(r.AdminID) == "" {
		return fmt.Errorf("request %s: missing admin_id", r.UserID)
	}
	switch r.Status {
	case StatusPending:
		if r.BoundChatID != "" {
			return fmt.Errorf("request %s: pending request must not carry bound_chat_id", r.UserID)
		}
	case StatusAccepted:
		if r.BoundChatID != r.UserID {
			return fmt.Errorf("request %s: accepted request must bind its own user", r.UserID)
		}
	default:
		// Rejected/expired entries are deleted, never persisted.
		return fmt.Errorf("request %s: invalid persisted status %q", r.UserID, r.Status)
	}
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("request %s: missing created_at", r.UserID)
	}
	return nil
}

// validateSnapshotLinkage enforces the accepted<->bound equivalence: every
// accepted request's user is in its admin's bound set, and every bound user
// has exactly that accepted request.
func validateSnapshotLinkage(snap Snapshot) error {
	for _, r := range snap.Requests {
		admin, ok := snap.Admins[r.AdminID]
		if !ok {
			return fmt.Errorf("request %s: references unknown admin %s", r.UserID, r.AdminID)
		}
		if r.Status == StatusAccepted && !admin.IsBound(r.UserID) {
			return fmt.Errorf("request %s: accepted but not bound to admin %s", r.UserID, r.AdminID)
		}
	}
	for _, a := range snap.Admins {
		for _, userID := range a.BoundUsers {
			r, ok := snap.Requests[userID]
			if !ok || r.Status != StatusAccepted || r.AdminID != a.ID {
				return fmt.Errorf("admin %s: bound user %s has no matching accepted request", a.ID, userID)
			}
		}
	}
	return nil
}

func ensureNotCanceled(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}
