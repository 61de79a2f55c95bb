// Package tasks runs the long-lived import and export jobs of the bingo server with real-time progress reporting.
//
// # Core Operations
//
// [ImportEngine] drives two kinds of jobs:
//
//  1. [ImportEngine.Run] : database or games import
//     - Uploads a JSON document to /api/database or /api/games
//     - Decodes the multipart/mixed progress response record by record
//     - Returns the terminal record, the record count and every error reported along the way
//
//  2. [ImportEngine.BulkExport] : concurrent game exports
//     - Streams /api/game/{pk}/export for each game through a rate limited worker pool
//     - Optionally dumps /api/database alongside the games
//     - Writes an export_manifest.json summarizing the run
//
// # Progress Reporting
//
// Import records are delivered on a caller supplied channel and on the engine's progress registry.
// Intermediate records use select with default so a slow consumer never stalls the stream;
// the terminal record is always delivered unless the context is cancelled first.
//
// Bulk exports report [ProgressUpdate] values the same non-blocking way.
//
// # Cancellation
//
// Cancelling the context of a running import closes the response stream, which unblocks the
// decoder immediately instead of waiting for the next part to arrive.
package tasks
