// Package api is the HTTP client for the Musical Bingo server.
//
// A call is described by a [Request] and sent through a [Client], which wraps an
// [Executor] with the refresh-and-retry protocol:
//
//	DIRECT ──401 + refresh token──▶ REFRESHING ──ok──▶ replay once ──▶ final outcome
//	   │                                 │
//	   └──────── any other outcome       └──fail──▶ "Failed to refresh access token"
//
// Every call resolves to an [Outcome] value; nothing panics or returns bare
// transport errors across the package surface. Lifecycle callbacks fire in
// Before then Success or Failure order, exactly once each per call.
//
// Concurrent calls that hit 401 with the same refresh token share a single
// refresh round trip (golang.org/x/sync/singleflight) and each replays its own
// request with the resulting token.
//
// The [TokenStore] owns the credentials in memory and publishes every change
// so a collaborator can persist them.
package api
