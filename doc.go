// Package homesync provides an offline-first sync engine for multi-entity
// household data (categories, locations, inventory items, todo items and
// settings).
//
// Homesync keeps every collection fully usable offline and reconciles it
// with a remote API in the background: a single serialized queue schedules
// pull, push and full syncs per entity type, a last-write-wins merge
// resolves conflicts by client timestamp with deletions taking precedence by
// recency, and durable per-type checkpoints make every sync incremental.
//
// # Basic Usage
//
// Create an engine over a file store and an encrypted secure store:
//
//	store, err := homesync.NewFileStore("data")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	secure, err := homesync.NewSecureStore(homesync.SecureStoreConfig{
//	    Path:     "data/secure.bin",
//	    Password: password,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := homesync.NewHTTPClient(homesync.TransportConfig{
//	    BaseURL:   "https://api.example.com/sync",
//	    AuthToken: token,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	engine, err := homesync.NewEngine(homesync.DefaultEngineConfig(), store, secure, client, nil)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Turn sync on and mutate data through the engine:
//
//	if err := engine.Enable(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	rec, err := engine.CreateRecord(homesync.EntityInventoryItems, id, homesync.InventoryItem{
//	    Name:     "olive oil",
//	    Quantity: 2,
//	})
//
// Mutations are applied locally first and pushed in the background; pulls
// merge server changes without ever blocking local reads.
//
// # Features
//
// Sync queue:
//   - Single drain loop, priority insertion and duplicate collapsing
//   - Debounce per entity type and linear retry backoff with a hard cap
//   - Full syncs subsume queued pulls and pushes for the same target
//
// Reconciliation:
//   - Last-write-wins by client timestamp, ties keep the local copy
//   - Deletion wins by recency; resurrection needs a strictly newer edit
//   - Tombstones retained seven days, purged at most once a day
//
// Access control:
//   - Fail-closed permission gate over cached accessible accounts
//   - Per-share-class grants for inventory and todo data
//
// Extras:
//   - Websocket realtime change listener with backoff reconnect
//   - Encrypted secure store for checkpoints and the enabled flag
//   - Optional SQLite collection storage and S3 snapshot backups
package homesync
