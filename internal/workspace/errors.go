package workspace

import "errors"

var (
	// ErrOutsidePath marks a path whose canonical form escapes the project root.
	ErrOutsidePath = errors.New("path outside workspace")
	// ErrWriteScope marks a write outside the agent's work globs.
	ErrWriteScope = errors.New("path outside agent write scope")
	// ErrNotFound marks a missing file or a no-match edit.
	ErrNotFound = errors.New("not found")
	// ErrAmbiguous marks an edit whose old text matches more than once.
	ErrAmbiguous = errors.New("ambiguous match")
	// ErrTooLarge marks a read beyond the byte cap.
	ErrTooLarge = errors.New("file too large")
	// ErrBlocked marks a command rejected by the safety policy.
	ErrBlocked = errors.New("command blocked by safety policy")
)
