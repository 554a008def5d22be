package homesync

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies one of the synchronized local collections.
type EntityType string

const (
	// EntityCategories is the inventory category collection.
	EntityCategories EntityType = "categories"

	// EntityLocations is the storage location collection.
	EntityLocations EntityType = "locations"

	// EntityInventoryItems is the inventory item collection.
	EntityInventoryItems EntityType = "inventoryItems"

	// EntityTodoItems is the household todo collection.
	EntityTodoItems EntityType = "todoItems"

	// EntitySettings is the singleton settings object.
	EntitySettings EntityType = "settings"
)

// shareClass groups entity types by the sharing permission that governs them.
type shareClass int

const (
	shareNone shareClass = iota
	shareInventory
	shareTodos
)

// entityInfo is the per-type strategy record. Types are dispatched through
// this table rather than by string branching.
type entityInfo struct {
	storeFile string
	singleton bool
	share     shareClass
}

var entityInfos = map[EntityType]entityInfo{
	EntityCategories:     {storeFile: "categories.json", share: shareInventory},
	EntityLocations:      {storeFile: "locations.json", share: shareInventory},
	EntityInventoryItems: {storeFile: "inventory_items.json", share: shareInventory},
	EntityTodoItems:      {storeFile: "todo_items.json", share: shareTodos},
	EntitySettings:       {storeFile: "settings.json", singleton: true, share: shareNone},
}

// AllEntityTypes returns every known entity type in a stable order.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityCategories,
		EntityLocations,
		EntityInventoryItems,
		EntityTodoItems,
		EntitySettings,
	}
}

// Valid reports whether t is a known entity type.
func (t EntityType) Valid() bool {
	_, ok := entityInfos[t]
	return ok
}

// Singleton reports whether the type holds a single object rather than a
// collection (settings).
func (t EntityType) Singleton() bool {
	return entityInfos[t].singleton
}

// Record is the envelope every synced entity travels in. Domain fields live
// in Payload; the envelope carries identity, provenance and pending state.
type Record struct {
	ID     string `json:"id"`
	HomeID string `json:"homeId,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`

	// Version strictly increases on every local mutation that is not a
	// pure sync-apply.
	Version int `json:"version"`

	// ClientUpdatedAt is the authority for local-vs-server conflict
	// comparison. ServerUpdatedAt and LastSyncedAt are provenance only.
	ClientUpdatedAt time.Time  `json:"clientUpdatedAt"`
	ServerUpdatedAt *time.Time `json:"serverUpdatedAt,omitempty"`
	LastSyncedAt    *time.Time `json:"lastSyncedAt,omitempty"`

	PendingCreate bool `json:"pendingCreate,omitempty"`
	PendingUpdate bool `json:"pendingUpdate,omitempty"`
	PendingDelete bool `json:"pendingDelete,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`
}

// Deleted reports whether the record is a tombstone.
func (r *Record) Deleted() bool {
	return r.DeletedAt != nil
}

// Pending reports whether the record carries an unsynced local mutation.
func (r *Record) Pending() bool {
	return r.PendingCreate || r.PendingUpdate || r.PendingDelete
}

// clearPending drops all pending flags after a server acknowledgment.
func (r *Record) clearPending() {
	r.PendingCreate = false
	r.PendingUpdate = false
	r.PendingDelete = false
}

// Category is the domain payload for EntityCategories.
type Category struct {
	Name      string `json:"name"`
	Icon      string `json:"icon,omitempty"`
	Color     string `json:"color,omitempty"`
	SortOrder int    `json:"sortOrder,omitempty"`
}

// Location is the domain payload for EntityLocations.
type Location struct {
	Name     string `json:"name"`
	Icon     string `json:"icon,omitempty"`
	ParentID string `json:"parentId,omitempty"`
}

// InventoryItem is the domain payload for EntityInventoryItems.
type InventoryItem struct {
	Name       string     `json:"name"`
	CategoryID string     `json:"categoryId,omitempty"`
	LocationID string     `json:"locationId,omitempty"`
	Quantity   float64    `json:"quantity"`
	Unit       string     `json:"unit,omitempty"`
	ExpiryDate *time.Time `json:"expiryDate,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// TodoItem is the domain payload for EntityTodoItems.
type TodoItem struct {
	Title      string     `json:"title"`
	Done       bool       `json:"done"`
	DueDate    *time.Time `json:"dueDate,omitempty"`
	AssigneeID string     `json:"assigneeId,omitempty"`
	Notes      string     `json:"notes,omitempty"`
}

// Settings is the domain payload for the EntitySettings singleton.
type Settings struct {
	Currency             string `json:"currency,omitempty"`
	Locale               string `json:"locale,omitempty"`
	Theme                string `json:"theme,omitempty"`
	NotificationsEnabled bool   `json:"notificationsEnabled"`
}

// EncodePayload marshals a domain payload for storage in a Record.
func EncodePayload(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}

// DecodePayload unmarshals a record's domain payload.
func DecodePayload[T any](r Record) (T, error) {
	var v T
	if len(r.Payload) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(r.Payload, &v); err != nil {
		return v, fmt.Errorf("decode payload for %s: %w", r.ID, err)
	}
	return v, nil
}

// applyLocalCreate appends a freshly created record, stamping it as a pending
// creation at version 1.
func applyLocalCreate(recs []Record, rec Record, now time.Time) []Record {
	rec.CreatedAt = now
	rec.UpdatedAt = now
	rec.ClientUpdatedAt = now
	rec.Version = 1
	rec.PendingCreate = true
	rec.PendingUpdate = false
	rec.PendingDelete = false
	rec.DeletedAt = nil
	return append(recs, rec)
}

// applyLocalUpdate replaces the record's payload, bumps its version and marks
// it pending. A record that is still a pending creation stays one; at most
// one of PendingCreate/PendingUpdate is ever set.
func applyLocalUpdate(recs []Record, id string, payload json.RawMessage, now time.Time) ([]Record, bool) {
	for i := range recs {
		if recs[i].ID != id || recs[i].Deleted() {
			continue
		}
		recs[i].Payload = payload
		recs[i].UpdatedAt = now
		recs[i].ClientUpdatedAt = now
		recs[i].Version++
		if !recs[i].PendingCreate {
			recs[i].PendingUpdate = true
		}
		return recs, true
	}
	return recs, false
}

// applyLocalDelete tombstones a record. A record the server has never seen
// (PendingCreate) is hard-removed instead; a pending update is superseded by
// the delete.
func applyLocalDelete(recs []Record, id string, now time.Time) ([]Record, bool) {
	for i := range recs {
		if recs[i].ID != id || recs[i].Deleted() {
			continue
		}
		if recs[i].PendingCreate {
			return append(recs[:i], recs[i+1:]...), true
		}
		deletedAt := now
		recs[i].DeletedAt = &deletedAt
		recs[i].UpdatedAt = now
		recs[i].ClientUpdatedAt = now
		recs[i].Version++
		recs[i].PendingUpdate = false
		recs[i].PendingDelete = true
		return recs, true
	}
	return recs, false
}

// findRecord returns the index of id in recs, or -1.
func findRecord(recs []Record, id string) int {
	for i := range recs {
		if recs[i].ID == id {
			return i
		}
	}
	return -1
}
