// Package testutil provides test fixtures, a controllable clock and a conformance suite
// that every storage backend runs against its own implementation.
package testutil
