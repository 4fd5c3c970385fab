// Package memory provides an in-memory implementation of the storage interfaces.
//
// Maps guarded by a sync.RWMutex hold clients, authorization codes, the signing key and
// cached client metadata documents. ConsumeAuthorizationCode performs its check and update
// under the write lock, so concurrent exchanges of one code yield exactly one winner.
//
// Features:
//   - Automatic cleanup of expired codes and metadata records
//   - Storage size gauges and per-operation spans when instrumentation is set
//
// State is lost on restart. Multi-instance deployments should use storage/valkey or
// storage/postgres instead.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, _ := server.New(store, config, logger)
package memory
