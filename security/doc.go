// Package security provides the security building blocks shared by the HTTP layer and the
// server core:
//
//   - Auditor: structured security event logging (code reuse, metadata fetch failures, ...)
//   - RateLimiter: per-key token bucket limiter with LRU eviction, keyed by client IP on the
//     token endpoint and by hostname for outbound client metadata fetches
//   - Encryptor: AES-256-GCM encryption of the private signing key at rest
//   - SetSecurityHeaders / SetPublicCacheHeaders: response hardening
//   - RequestIDMiddleware: request correlation IDs
//   - GetClientIP: proxy-aware client address extraction
package security
