// Package repositories implements SQLite persistence for the client's durable state.
//
// Key Implementations:
//   - [CredentialRepository] : one row of access and refresh tokens per server URL, kept in step with the token store
//   - [TicketRepository] : snapshots of reconciled tickets per game for offline listings
//
// Schema lives in the embedded migrations of the shared package; repositories assume they have been applied.
package repositories
