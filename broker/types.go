package broker

import (
	"sort"
	"strings"
	"time"
)

const (
	DefaultCapacity      = 3
	DefaultRequestMaxAge = 24 * time.Hour
)

type Role string

const (
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusAccepted RequestStatus = "accepted"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
)

// Admin is one human operator. BoundUsers holds the ids of users currently
// paired with the operator and never exceeds Capacity.
type Admin struct {
	ID           string    `yaml:"id"`
	Role         Role      `yaml:"role"`
	DisplayName  string    `yaml:"display_name,omitempty"`
	Capacity     int       `yaml:"capacity"`
	BoundUsers   []string  `yaml:"bound_users,omitempty"`
	JoinedAt     time.Time `yaml:"joined_at"`
	LastActiveAt time.Time `yaml:"last_active_at"`
	Online       bool      `yaml:"online"`
}

func (a Admin) Available() bool {
	return len(a.BoundUsers) < a.Capacity
}

func (a Admin) IsBound(userID string) bool {
	userID = strings.TrimSpace(userID)
	for _, u := range a.BoundUsers {
		if u == userID {
			return true
		}
	}
	return false
}

// PairingRequest is keyed by UserID: a user has at most one live request
// system-wide. BoundChatID is set only once the request is accepted and, in
// this design, always equals UserID (relay is 1:1 with the requester).
type PairingRequest struct {
	UserID          string        `yaml:"user_id"`
	UserDisplayName string        `yaml:"user_display_name,omitempty"`
	AdminID         string        `yaml:"admin_id"`
	Status          RequestStatus `yaml:"status"`
	CreatedAt       time.Time     `yaml:"created_at"`
	BoundChatID     string        `yaml:"bound_chat_id,omitempty"`
}

type Stats struct {
	TotalAdmins     int `json:"total_admins"`
	SuperAdmins     int `json:"super_admins"`
	OnlineAdmins    int `json:"online_admins"`
	TotalBoundUsers int `json:"total_bound_users"`
	PendingRequests int `json:"pending_requests"`
}

func normalizeAdmin(a Admin, now time.Time) Admin {
	a.ID = strings.TrimSpace(a.ID)
	a.DisplayName = strings.TrimSpace(a.DisplayName)
	switch a.Role {
	case RoleAdmin, RoleSuperAdmin:
	default:
		a.Role = RoleAdmin
	}
	if a.Capacity <= 0 {
		a.Capacity = DefaultCapacity
	}
	a.BoundUsers = normalizeUserIDs(a.BoundUsers)
	if a.JoinedAt.IsZero() {
		a.JoinedAt = now
	}
	a.JoinedAt = a.JoinedAt.UTC()
	if a.LastActiveAt.IsZero() {
		a.LastActiveAt = a.JoinedAt
	}
	a.LastActiveAt = a.LastActiveAt.UTC()
	return a
}

func normalizeUserIDs(input []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(input))
	for _, raw := range input {
		v := strings.TrimSpace(raw)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		out = append(out, v)
	}
	sort.Strings(out)
	if len(out) == 0 {
		return nil
	}
	return out
}

func cloneAdmin(a Admin) Admin {
	if len(a.BoundUsers) > 0 {
		a.BoundUsers = append([]string(nil), a.BoundUsers...)
	}
	return a
}

func cloneAdmins(in map[string]Admin) map[string]Admin {
	out := make(map[string]Admin, len(in))
	for id, a := range in {
		out[id] = cloneAdmin(a)
	}
	return out
}

func cloneRequests(in map[string]PairingRequest) map[string]PairingRequest {
	out := make(map[string]PairingRequest, len(in))
	for id, r := range in {
		out[id] = r
	}
	return out
}
