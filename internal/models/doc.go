// Package models defines the domain entities shared by the mbingo client.
//
// The package contains three groups of types:
//
// 1. Session: [Credentials] and [User], as returned by the server's /api/user and /api/refresh endpoints.
//
// 2. Progress: [ProgressRecord] and [AddedCounts], one decoded part of a streaming import.
//
// 3. Tickets: [Ticket], [Game], [ClaimState] and the logical clock [Stamp] used to order
// optimistic updates against poll results.
//
// Types here carry no behavior beyond small accessors and JSON shaping.
package models
