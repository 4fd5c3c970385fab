// Package util provides string helpers shared by the storage backends and the server,
// and IP classification used by the client metadata fetcher's dial guard.
package util
