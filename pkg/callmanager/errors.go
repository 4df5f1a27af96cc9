package callmanager

import "errors"

// Sentinel errors checked with errors.Is at package boundaries (front
// door, tool layer) so they can be mapped to spec §7's structured error
// categories without string matching.
var (
	ErrNotFound   = errors.New("callmanager: call not found")
	ErrTerminal   = errors.New("callmanager: call already terminal")
	ErrAtCapacity = errors.New("callmanager: at capacity")
	ErrNotReady   = errors.New("callmanager: provider not ready")
)
