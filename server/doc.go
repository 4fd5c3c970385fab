// Package server implements the core of the OAuth 2.0 authorization server.
//
// The Server type wires together a set of explicit components, each constructed once
// in New and shared by all requests:
//   - KeyManager: the RS256 signing keypair, loaded from storage or generated once
//   - TokenIssuer: JWT access tokens (aud "mcp-server", sub "user")
//   - CodeStore: single-use authorization codes with atomic consumption
//   - ClientMetadataCache: client metadata documents via memory, storage and HTTPS fetch
//   - ClientResolver: static registry and URL client_id resolution
//
// Authorize and ExchangeAuthorizationCode implement the authorization code grant
// with mandatory S256 PKCE. HTTP handling lives in the root package.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Stop()
//
//	srv, err := server.New(store, &server.Config{
//	    Issuer: "https://auth.example.com",
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
package server
