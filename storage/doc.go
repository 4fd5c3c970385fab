// Package storage provides interfaces and shared types for the authorization server's durable state.
//
// Four logical collections are defined:
//   - ClientStore: the static client registry
//   - CodeStore: authorization codes with atomic single-use consumption
//   - KeyStore: the RS256 signing keypair under a fixed identifier
//   - ClientMetadataStore: the durable tier of the client metadata document cache
//
// Implementations are provided in subpackages:
//   - storage/memory: In-memory storage for development and testing
//   - storage/mock: Mock storage for unit testing
//   - storage/valkey: Valkey/Redis-compatible distributed storage
//   - storage/postgres: PostgreSQL storage
//
// Errors other than the sentinels in this package are storage failures and are
// propagated to callers unchanged.
package storage
