// Package storage persists task run history.
//
// Two drivers are available: "file" appends JSON Lines and compacts them, and
// "sqlite" keeps a pruned table. Schedules themselves are not persisted; they
// come from the config on every start.
package storage
