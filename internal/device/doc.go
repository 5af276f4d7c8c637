// Package device provides the device registry for IoTFlow Core.
//
// The registry is the system of record for every device that may talk
// to the platform: its identity, its credential, its profile, and its
// admin status. Everything else (telemetry, liveness, streaming) hangs
// off the integer device id minted here.
//
// # Architecture
//
//	┌──────────────────────────────────────────────────────────────────┐
//	│                         Device Registry                          │
//	│                                                                  │
//	│  ┌────────────────┐    ┌────────────────┐   ┌────────────────┐  │
//	│  │   Repository   │    │   Validation   │   │    API Keys    │  │
//	│  │ (repository.go)│───▶│ (validation.go)│   │  (apikey.go)   │  │
//	│  │                │    │                │   │                │  │
//	│  │ • SQLite CRUD  │    │ • Profile      │   │ • 192-bit keys │  │
//	│  │ • Atomic       │    │   checks       │   │ • base64url    │  │
//	│  │   registration │    │ • Field limits │   │ • Log-safe     │  │
//	│  │ • Status rules │    │ • UTF-8 rules  │   │   prefixes     │  │
//	│  └────────────────┘    └────────────────┘   └────────────────┘  │
//	│          │                                                       │
//	└──────────│───────────────────────────────────────────────────────┘
//	           ▼
//	┌──────────────────────┐
//	│   SQLite Database    │
//	│   (devices table)    │
//	└──────────────────────┘
//
// # Key Types
//
//   - Device: a registered device, credential included
//   - Profile: the caller-supplied descriptive fields
//   - AdminStatus: active, inactive, or maintenance
//   - RegistrationResult: new device or name-collision report
//   - ConfigPatch / AdminUpdate: partial updates (device- and admin-initiated)
//   - Filter / ListResult: paged listing with status, type, and name search
//
// # Usage
//
//	repo := device.NewSQLiteRepository(db)
//
//	// Register a device. A name collision is a result, not an error.
//	res, err := repo.Register(ctx, device.Profile{
//	    Name:       "greenhouse-sensor-01",
//	    DeviceType: "sensor",
//	    Location:   "Greenhouse A",
//	})
//	if err != nil {
//	    return err
//	}
//	if res.NameTaken {
//	    // res.ExistingID identifies the holder; no credential is revealed.
//	}
//
//	// Hot-path credential lookup.
//	dev, err := repo.GetByAPIKey(ctx, key)
//
//	// Admin status change, transition rules enforced.
//	err = repo.UpdateStatus(ctx, dev.ID, device.StatusMaintenance)
//
// # Status Rules
//
// A device starts active. From active it may move to inactive or
// maintenance; from either of those it may only return to active.
// Telemetry requires active; heartbeats and config reads are also
// accepted in maintenance. UpdateStatus enforces the moves, callers
// enforce the per-operation scopes.
//
// # Thread Safety
//
// SQLiteRepository is safe for concurrent use; it holds no state beyond
// the *sql.DB handle, and the one read-check-write operation
// (UpdateStatus) runs in a transaction.
package device
