// Package storage persists pending task requests so they survive a restart,
// plus an append-only log of execution outcomes.
//
// Drivers: "file" (JSON Lines journal + snapshot), "sqlite" and "redis".
// An empty driver or "none" disables persistence.
package storage
