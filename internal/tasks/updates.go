package tasks

import (
	"fmt"
)

// ProgressUpdate represents a progress event during a bulk export.
//
// Used to send real-time updates to the CLI or UI layer for display.
type ProgressUpdate struct {
	Phase   Phase  // Operation phase
	Step    int    // Current step number within phase
	Total   int    // Total steps in this phase
	Message string // Human-readable message for display
	Data    any    // Optional phase-specific data for advanced UIs
}

// Operation phase enumeration
type Phase int

const (
	ExportDatabase Phase = iota
	ExportGames
	WriteManifest
)

func (p Phase) String() string {
	switch p {
	case ExportDatabase:
		return "export_database"
	case ExportGames:
		return "export_games"
	case WriteManifest:
		return "write_manifest"
	default:
		return ""
	}
}

func exportingDatabaseUpdate() ProgressUpdate {
	return ProgressUpdate{
		Phase:   ExportDatabase,
		Step:    1,
		Total:   1,
		Message: "Exporting database...",
	}
}

func databaseExportedUpdate(res GameExportResult) ProgressUpdate {
	if res.Error != nil {
		return ProgressUpdate{
			Phase:   ExportDatabase,
			Step:    1,
			Total:   1,
			Message: fmt.Sprintf("✗ database: %v", res.Error),
			Data:    res,
		}
	}
	return ProgressUpdate{
		Phase:   ExportDatabase,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("✓ database (%d bytes)", res.Bytes),
		Data:    res,
	}
}

func exportingGameUpdate(step, total, gamePK int) ProgressUpdate {
	return ProgressUpdate{
		Phase:   ExportGames,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] Exporting game %d...", step, total, gamePK),
	}
}

func exportCompletedUpdate(step, total int, res GameExportResult) ProgressUpdate {
	return ProgressUpdate{
		Phase:   ExportGames,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✓ game %d (%d bytes)", step, total, res.GamePK, res.Bytes),
		Data:    res,
	}
}

func exportFailedUpdate(step, total int, res GameExportResult) ProgressUpdate {
	return ProgressUpdate{
		Phase:   ExportGames,
		Step:    step,
		Total:   total,
		Message: fmt.Sprintf("[%d/%d] ✗ game %d: %v", step, total, res.GamePK, res.Error),
		Data:    res,
	}
}

func manifestUpdate(path string) ProgressUpdate {
	return ProgressUpdate{
		Phase:   WriteManifest,
		Step:    1,
		Total:   1,
		Message: fmt.Sprintf("Manifest written to %s", path),
	}
}
