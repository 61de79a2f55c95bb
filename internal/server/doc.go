// Package server provides HTTP routing, middleware, and an in-memory stub of the bingo API.
//
// # Router Infrastructure
//
// The [Router] interface defines HTTP routing with middleware support.
//
// [Middleware] wraps handlers in reverse order (last added executes first), following the standard Go pattern.
//
// The [BasicRouter] implementation uses [http.ServeMux] method patterns, so "PUT" and "DELETE" on the same
// ticket path are separate registrations and other methods are answered with 405.
//
// [RequestLogger] logs one line per request and keeps streaming responses flushable.
//
// # Stub Server
//
// [Stub] implements the session, refresh, import, export and ticket endpoints in memory:
//   - access tokens expire after a configurable TTL so clients exercise the refresh path
//   - imports answer with a multipart/mixed stream of progress records, one part per section
//   - claims answer 201, 200 or 406 and admins may release tickets they don't own
//
// It backs the dev-server command and the end-to-end tests of the client packages.
//
// # Handler Interface
//
// Custom handlers implement the [Handler] interface, which wraps the stdlib handler interface and adds routes,
// allowing handlers to register multiple routes to encapsulate route definitions within the implementation.
package server
