package homesync

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPermissionDenied is returned when a sync is attempted for a target user
// without the required sharing permission. It indicates a logic error
// upstream and is never retried.
var ErrPermissionDenied = errors.New("sync permission denied")

// SharePermissions are the sharing grants attached to a non-owner account.
type SharePermissions struct {
	CanShareInventory bool `json:"canShareInventory"`
	CanShareTodos     bool `json:"canShareTodos"`
}

// AccessibleAccount is one account the local user can sync against.
type AccessibleAccount struct {
	UserID      string            `json:"userId"`
	IsOwner     bool              `json:"isOwner"`
	Permissions *SharePermissions `json:"permissions,omitempty"`
}

// PermissionGate decides whether a sync for (entity type, target user) is
// allowed based on the locally cached accessible-account list. Unknown
// accounts are denied: the gate fails closed.
type PermissionGate struct {
	mu       sync.RWMutex
	accounts map[string]AccessibleAccount
}

// NewPermissionGate creates an empty gate. Until accounts are cached, only
// own-data and settings syncs pass.
func NewPermissionGate() *PermissionGate {
	return &PermissionGate{
		accounts: make(map[string]AccessibleAccount),
	}
}

// SetAccounts replaces the cached account list.
func (g *PermissionGate) SetAccounts(accounts []AccessibleAccount) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.accounts = make(map[string]AccessibleAccount, len(accounts))
	for _, a := range accounts {
		g.accounts[a.UserID] = a
	}
}

// Accounts returns the cached account list.
func (g *PermissionGate) Accounts() []AccessibleAccount {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]AccessibleAccount, 0, len(g.accounts))
	for _, a := range g.accounts {
		out = append(out, a)
	}
	return out
}

// Allowed reports whether t may be synced for targetUserID. An empty target
// means the local user's own data, which is always allowed. Settings always
// sync; owners always have full access; shared accounts need the grant
// matching the entity type's share class.
func (g *PermissionGate) Allowed(t EntityType, targetUserID string) bool {
	if t == EntitySettings {
		return true
	}
	if targetUserID == "" {
		return true
	}

	g.mu.RLock()
	account, ok := g.accounts[targetUserID]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	if account.IsOwner {
		return true
	}
	if account.Permissions == nil {
		return false
	}

	switch entityInfos[t].share {
	case shareInventory:
		return account.Permissions.CanShareInventory
	case shareTodos:
		return account.Permissions.CanShareTodos
	default:
		return true
	}
}

// Check is Allowed as an error: a denial wraps ErrPermissionDenied with the
// offending type and target.
func (g *PermissionGate) Check(t EntityType, targetUserID string) error {
	if g.Allowed(t, targetUserID) {
		return nil
	}
	return fmt.Errorf("%w: %s for user %q", ErrPermissionDenied, t, targetUserID)
}
