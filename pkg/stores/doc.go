// Package stores provides the persistence layer for changeflow: a key-value
// store with optimistic put-if-version semantics and an append-only,
// tenant-partitioned audit log. Backends: in-memory (tests and local
// development), SQLite with embedded migrations and immutability triggers,
// and Redis (Lua-scripted version checks and audit streams).
package stores
