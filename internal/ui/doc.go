// Package ui implements the terminal views using bubbletea's Elm architecture.
//
// Two programs are provided:
//  1. [ImportModel] : uploads an import document and renders the streamed progress records with a
//     progress bar, then the added counts and errors of the terminal record
//  2. [BoardModel] : lists one game's tickets as the reconciler sees them and claims or releases
//     the selected ticket
//
// Both receive their updates through channels fed by the background work (the import engine or
// the reconciler's event registries) and wrap them in the [Msg] union type.
//
// Keyboard navigation uses vim-style bindings (j/k, c, r, f, esc, q) with contextual help displayed via charmbracelet/bubbles/help.
package ui
