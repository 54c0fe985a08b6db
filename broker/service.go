package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

type Options struct {
	// PairingDisabled turns RequestChat into an ErrPairingDisabled outcome
	// without affecting already-accepted pairings.
	PairingDisabled bool
	DefaultCapacity int
	Logger          *slog.Logger
	Now             func() time.Time
}

// Service owns the operator registry and the pairing request lifecycle as one
// logically consistent store: admin removal cascades into request deletion
// under a single commit.
//
// Every mutation is write-then-commit: the next state is built on copies,
// persisted through the snapshot store, and swapped into memory only after the
// write succeeded. A failed persist surfaces as ErrStorage and leaves both
// memory and disk on the previous state.
type Service struct {
	mu       sync.Mutex
	store    SnapshotStore
	admins   map[string]Admin
	requests map[string]PairingRequest

	pairingDisabled bool
	defaultCapacity int
	log             *slog.Logger
	now             func() time.Time
}

func NewService(ctx context.Context, store SnapshotStore, opts Options) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("snapshot store is required")
	}
	if opts.DefaultCapacity <= 0 {
		opts.DefaultCapacity = DefaultCapacity
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if err := store.Ensure(ctx); err != nil {
		return nil, storageErr(err)
	}
	snap, err := store.Load(ctx)
	if err != nil {
		return nil, storageErr(err)
	}
	return &Service{
		store:           store,
		admins:          snap.Admins,
		requests:        snap.Requests,
		pairingDisabled: opts.PairingDisabled,
		defaultCapacity: opts.DefaultCapacity,
		log:             opts.Logger,
		now:             opts.Now,
	}, nil
}

// commitLocked persists the candidate state and, only on success, makes it
// current. Callers hold s.mu and must not have touched s.admins/s.requests.
func (s *Service) commitLocked(ctx context.Context, admins map[string]Admin, requests map[string]PairingRequest) error {
	snap := Snapshot{Admins: admins, Requests: requests}
	if err := s.store.Save(ctx, snap); err != nil {
		return storageErr(err)
	}
	s.admins = admins
	s.requests = requests
	return nil
}

// Bootstrap seeds the registry from configuration. It is a no-op unless the
// registry is empty.
func (s *Service) Bootstrap(ctx context.Context, superAdminID string, adminIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.admins) > 0 {
		return nil
	}

	now := s.now()
	admins := map[string]Admin{}
	if id := strings.TrimSpace(superAdminID); id != "" {
		admins[id] = normalizeAdmin(Admin{ID: id, Role: RoleSuperAdmin, Capacity: s.defaultCapacity}, now)
	}
	for _, raw := range adminIDs {
		id := strings.TrimSpace(raw)
		if id == "" {
			continue
		}
		if _, exists := admins[id]; exists {
			continue
		}
		admins[id] = normalizeAdmin(Admin{ID: id, Role: RoleAdmin, Capacity: s.defaultCapacity}, now)
	}
	if len(admins) == 0 {
		return nil
	}
	if err := s.commitLocked(ctx, admins, cloneRequests(s.requests)); err != nil {
		return err
	}
	s.log.Info("registry_bootstrapped", "admins", len(admins))
	return nil
}

// AddAdmin registers an operator. Adding an id that is already registered is
// an idempotent no-op returning the existing record.
func (s *Service) AddAdmin(ctx context.Context, id string, role Role, displayName string, capacity int) (Admin, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Admin{}, fmt.Errorf("admin id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.admins[id]; ok {
		return cloneAdmin(existing), nil
	}
	if capacity <= 0 {
		capacity = s.defaultCapacity
	}
	admin := normalizeAdmin(Admin{
		ID:          id,
		Role:        role,
		DisplayName: displayName,
		Capacity:    capacity,
	}, s.now())

	admins := cloneAdmins(s.admins)
	admins[id] = admin
	if err := s.commitLocked(ctx, admins, cloneRequests(s.requests)); err != nil {
		return Admin{}, err
	}
	s.log.Info("admin_added", "admin_id", id, "role", string(admin.Role), "capacity", admin.Capacity)
	return cloneAdmin(admin), nil
}

// RemoveAdmin removes an operator. Only a super admin may remove, and a super
// admin can never be the target. Every pairing request pointing at the removed
// admin (pending or accepted) is cascade-deleted in the same commit, leaving
// its users fully unbound.
func (s *Service) RemoveAdmin(ctx context.Context, actorID, adminID string) error {
	actorID = strings.TrimSpace(actorID)
	adminID = strings.TrimSpace(adminID)
	s.mu.Lock()
	defer s.mu.Unlock()

	actor, ok := s.admins[actorID]
	if !ok || actor.Role != RoleSuperAdmin {
		return ErrForbidden
	}
	target, ok := s.admins[adminID]
	if !ok {
		return ErrNotFound
	}
	if target.Role == RoleSuperAdmin {
		return fmt.Errorf("%w: super admins are not removable", ErrForbidden)
	}

	admins := cloneAdmins(s.admins)
	requests := cloneRequests(s.requests)
	delete(admins, adminID)
	removedRequests := 0
	for userID, r := range requests {
		if r.AdminID == adminID {
			delete(requests, userID)
			removedRequests++
		}
	}
	if err := s.commitLocked(ctx, admins, requests); err != nil {
		return err
	}
	s.log.Info("admin_removed", "admin_id", adminID, "actor_id", actorID, "cascaded_requests", removedRequests)
	return nil
}

// Touch records activity from the admin and flips it online.
func (s *Service) Touch(ctx context.Context, adminID string) error {
	return s.setActivity(ctx, adminID, true)
}

// MarkOffline clears the liveness flag. Called by the external liveness
// collaborator on timeout.
func (s *Service) MarkOffline(ctx context.Context, adminID string) error {
	return s.setActivity(ctx, adminID, false)
}

func (s *Service) setActivity(ctx context.Context, adminID string, online bool) error {
	adminID = strings.TrimSpace(adminID)
	s.mu.Lock()
	defer s.mu.Unlock()

	admin, ok := s.admins[adminID]
	if !ok {
		return ErrNotFound
	}
	admin = cloneAdmin(admin)
	if online {
		admin.LastActiveAt = s.now()
	}
	admin.Online = online

	admins := cloneAdmins(s.admins)
	admins[adminID] = admin
	return s.commitLocked(ctx, admins, cloneRequests(s.requests))
}

func (s *Service) GetAdmin(adminID string) (Admin, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	admin, ok := s.admins[strings.TrimSpace(adminID)]
	if !ok {
		return Admin{}, false
	}
	return cloneAdmin(admin), true
}

func (s *Service) IsAdmin(id string) bool {
	_, ok := s.GetAdmin(id)
	return ok
}

func (s *Service) IsSuperAdmin(id string) bool {
	admin, ok := s.GetAdmin(id)
	return ok && admin.Role == RoleSuperAdmin
}

// ListAvailable returns a stable snapshot of admins with spare capacity,
// ordered by id.
func (s *Service) ListAvailable() []Admin {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Admin, 0, len(s.admins))
	for _, a := range s.admins {
		if a.Available() {
			out = append(out, cloneAdmin(a))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) ListAdmins() []Admin {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Admin, 0, len(s.admins))
	for _, a := range s.admins {
		out = append(out, cloneAdmin(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Stats{TotalAdmins: len(s.admins)}
	for _, a := range s.admins {
		if a.Role == RoleSuperAdmin {
			st.SuperAdmins++
		}
		if a.Online {
			st.OnlineAdmins++
		}
		st.TotalBoundUsers += len(a.BoundUsers)
	}
	for _, r := range s.requests {
		if r.Status == StatusPending {
			st.PendingRequests++
		}
	}
	return st
}

// RequestChat opens a pending pairing request from userID to adminID. The
// capacity check here is optimistic; Accept re-checks it to close the race
// window. There is no queueing: a full admin yields ErrAdminAtCapacity and the
// caller retries against a different admin.
func (s *Service) RequestChat(ctx context.Context, userID, userDisplayName, adminID string) (PairingRequest, error) {
	userID = strings.TrimSpace(userID)
	adminID = strings.TrimSpace(adminID)
	if userID == "" {
		return PairingRequest{}, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pairingDisabled {
		return PairingRequest{}, ErrPairingDisabled
	}
	if existing, ok := s.requests[userID]; ok {
		if existing.Status == StatusAccepted {
			return PairingRequest{}, ErrAlreadyAccepted
		}
		return PairingRequest{}, ErrAlreadyPending
	}
	admin, ok := s.admins[adminID]
	if !ok {
		return PairingRequest{}, ErrNotFound
	}
	if !admin.Available() {
		return PairingRequest{}, ErrAdminAtCapacity
	}

	req := PairingRequest{
		UserID:          userID,
		UserDisplayName: strings.TrimSpace(userDisplayName),
		AdminID:         adminID,
		Status:          StatusPending,
		CreatedAt:       s.now(),
	}
	requests := cloneRequests(s.requests)
	requests[userID] = req
	if err := s.commitLocked(ctx, cloneAdmins(s.admins), requests); err != nil {
		return PairingRequest{}, err
	}
	s.log.Info("pairing_requested", "user_id", userID, "admin_id", adminID)
	return req, nil
}

// Accept transitions the user's pending request to accepted and reserves a
// capacity slot, as one critical section. Two concurrent Accept calls for the
// same request yield exactly one success; the loser sees ErrNotPending.
func (s *Service) Accept(ctx context.Context, adminID, userID string) error {
	adminID = strings.TrimSpace(adminID)
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[userID]
	if !ok {
		return ErrNotFound
	}
	if req.AdminID != adminID {
		return ErrWrongAdmin
	}
	if req.Status != StatusPending {
		return ErrNotPending
	}
	admin, ok := s.admins[adminID]
	if !ok {
		return ErrNotFound
	}
	if !admin.Available() {
		return ErrAdminAtCapacity
	}

	admin = cloneAdmin(admin)
	admin.BoundUsers = normalizeUserIDs(append(admin.BoundUsers, userID))
	req.Status = StatusAccepted
	req.BoundChatID = userID

	admins := cloneAdmins(s.admins)
	admins[adminID] = admin
	requests := cloneRequests(s.requests)
	requests[userID] = req
	if err := s.commitLocked(ctx, admins, requests); err != nil {
		return err
	}
	s.log.Info("pairing_accepted", "user_id", userID, "admin_id", adminID, "bound", len(admin.BoundUsers), "capacity", admin.Capacity)
	return nil
}

// Reject terminates a pending request. Rejected entries are terminal and are
// deleted immediately rather than retained as history.
func (s *Service) Reject(ctx context.Context, adminID, userID string) error {
	adminID = strings.TrimSpace(adminID)
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[userID]
	if !ok {
		return ErrNotFound
	}
	if req.AdminID != adminID {
		return ErrWrongAdmin
	}
	if req.Status != StatusPending {
		return ErrNotPending
	}

	requests := cloneRequests(s.requests)
	delete(requests, userID)
	if err := s.commitLocked(ctx, cloneAdmins(s.admins), requests); err != nil {
		return err
	}
	s.log.Info("pairing_rejected", "user_id", userID, "admin_id", adminID)
	return nil
}

// EndChat releases the slot and deletes the accepted request. A retry after
// success reports ErrNotBound.
func (s *Service) EndChat(ctx context.Context, adminID, userID string) error {
	adminID = strings.TrimSpace(adminID)
	userID = strings.TrimSpace(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	admin, ok := s.admins[adminID]
	if !ok || !admin.IsBound(userID) {
		return ErrNotBound
	}

	admin = cloneAdmin(admin)
	kept := admin.BoundUsers[:0]
	for _, u := range admin.BoundUsers {
		if u != userID {
			kept = append(kept, u)
		}
	}
	admin.BoundUsers = kept
	if len(admin.BoundUsers) == 0 {
		admin.BoundUsers = nil
	}

	admins := cloneAdmins(s.admins)
	admins[adminID] = admin
	requests := cloneRequests(s.requests)
	delete(requests, userID)
	if err := s.commitLocked(ctx, admins, requests); err != nil {
		return err
	}
	s.log.Info("pairing_ended", "user_id", userID, "admin_id", adminID)
	return nil
}

// RequestAndAccept is the admin-initiated shortcut: it synthesizes the request
// and accepts it in one commit, so the pairing is never observable as pending
// by a sweep or a second actor.
func (s *Service) RequestAndAccept(ctx context.Context, adminID, userID, userDisplayName string) (PairingRequest, error) {
	adminID = strings.TrimSpace(adminID)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PairingRequest{}, fmt.Errorf("user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pairingDisabled {
		return PairingRequest{}, ErrPairingDisabled
	}
	if existing, ok := s.requests[userID]; ok {
		if existing.Status == StatusAccepted {
			return PairingRequest{}, ErrAlreadyAccepted
		}
		return PairingRequest{}, ErrAlreadyPending
	}
	admin, ok := s.admins[adminID]
	if !ok {
		return PairingRequest{}, ErrNotFound
	}
	if !admin.Available() {
		return PairingRequest{}, ErrAdminAtCapacity
	}

	req := PairingRequest{
		UserID:          userID,
		UserDisplayName: strings.TrimSpace(userDisplayName),
		AdminID:         adminID,
		Status:          StatusAccepted,
		CreatedAt:       s.now(),
		BoundChatID:     userID,
	}
	admin = cloneAdmin(admin)
	admin.BoundUsers = normalizeUserIDs(append(admin.BoundUsers, userID))

	admins := cloneAdmins(s.admins)
	admins[adminID] = admin
	requests := cloneRequests(s.requests)
	requests[userID] = req
	if err := s.commitLocked(ctx, admins, requests); err != nil {
		return PairingRequest{}, err
	}
	s.log.Info("pairing_started_by_admin", "user_id", userID, "admin_id", adminID)
	return req, nil
}

// PendingFor lists live pending requests targeting the admin, oldest first.
func (s *Service) PendingFor(adminID string) []PairingRequest {
	adminID = strings.TrimSpace(adminID)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]PairingRequest, 0, 4)
	for _, r := range s.requests {
		if r.AdminID == adminID && r.Status == StatusPending {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].UserID < out[j].UserID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// BindingFor resolves the accepted pairing for a user, if any.
func (s *Service) BindingFor(userID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.requests[strings.TrimSpace(userID)]
	if !ok || r.Status != StatusAccepted {
		return "", false
	}
	return r.AdminID, true
}

// ExpirySweep deletes pending requests older than maxAge. It shares the
// service mutex with Accept/Reject, so a sweep racing an in-flight accept
// simply observes the already-transitioned entry and skips it.
func (s *Service) ExpirySweep(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		maxAge = DefaultRequestMaxAge
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	requests := cloneRequests(s.requests)
	expired := 0
	for userID, r := range requests {
		if r.Status == StatusPending && r.CreatedAt.Before(cutoff) {
			delete(requests, userID)
			expired++
		}
	}
	if expired == 0 {
		return 0, nil
	}
	if err := s.commitLocked(ctx, cloneAdmins(s.admins), requests); err != nil {
		return 0, err
	}
	s.log.Info("pairing_requests_expired", "count", expired, "max_age", maxAge.String())
	return expired, nil
}
