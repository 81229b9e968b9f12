// Package storage provides the key/value persistence used for engine progress.
//
// Drivers:
//   - "memory": process-local map, nothing survives a restart
//   - "file":   snapshot + append-only journal, compacted periodically
//   - "sqlite": single-table SQLite database (modernc.org/sqlite, pure Go)
//   - "redis":  Redis keys under a configurable prefix
//
// Values are opaque bytes. SaveJSON/LoadJSON wrap the common JSON case.
package storage
