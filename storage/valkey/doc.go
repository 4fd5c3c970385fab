// Package valkey provides a Valkey storage backend for the authorization server.
//
// Valkey is a key-value store that is wire-compatible with Redis. The Store type
// implements storage.Store, so several server replicas can share clients,
// authorization codes, the signing key and the durable client metadata cache.
//
// # Key Schema
//
// All keys use a configurable prefix (default "mcp:"):
//
//	{prefix}client:{clientID}          -> JSON(Client)
//	{prefix}clients                    -> SET of client IDs
//	{prefix}code:{code}                -> JSON(AuthorizationCode), TTL = expiry + 1h
//	{prefix}codes:expiry               -> ZSET code -> expires_at (ms)
//	{prefix}codes:client:{clientID}    -> SET of codes
//	{prefix}signingkey:{id}            -> JSON(SigningKey)
//	{prefix}metadata:{clientID}        -> JSON(ClientMetadataRecord), TTL = expiry + 24h
//	{prefix}metadata:expiry            -> ZSET clientID -> expires_at (ms)
//
// # Atomic Operations
//
// ConsumeAuthorizationCode runs a Lua script that checks the code is unused and
// unexpired and stamps used_at in a single server-side step, so only one of several
// concurrent exchanges can succeed, across all replicas.
//
// # Configuration
//
//	store, err := valkey.New(valkey.Config{
//	    Address:   "localhost:6379",
//	    KeyPrefix: "mcp:",
//	})
//
// With TLS:
//
//	store, err := valkey.New(valkey.Config{
//	    Address:  "valkey.example.com:6379",
//	    Password: os.Getenv("VALKEY_PASSWORD"),
//	    TLS:      &tls.Config{MinVersion: tls.VersionTLS12},
//	})
//
// # Testing
//
// Tests run against an in-process miniredis server unless VALKEY_TEST_ADDR points
// at a real Valkey instance.
package valkey
