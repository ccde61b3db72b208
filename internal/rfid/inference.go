package rfid

import (
	"strings"

	"tagsakay/server/internal/model"
)

// InferEventType decides entry vs exit for an owned tag from the owner's most
// recent ledger row. prior is nil when the user has never scanned before.
//
// The rules, in order:
//   - no prior row: first sighting is always an entry
//   - prior row at the same location: alternate (entry after exit, exit after
//     entry)
//   - location text names a direction ("entrance"/"entry"/"exit"): use it
//   - otherwise alternate relative to the prior row
//
// This is a heuristic carried over from field behavior, not a state machine
// with a correctness guarantee. Concurrent scans of the same tag can both see
// the same prior row and both infer entry; that race is tolerated.
func InferEventType(prior *model.ScanRecord, location string) model.EventType {
	if prior == nil {
		return model.EventEntry
	}
	if prior.Location != nil && *prior.Location == location {
		return toggle(prior.EventType)
	}
	lower := strings.ToLower(location)
	if strings.Contains(lower, "entrance") || strings.Contains(lower, "entry") {
		return model.EventEntry
	}
	if strings.Contains(lower, "exit") {
		return model.EventExit
	}
	return toggle(prior.EventType)
}

func toggle(prior model.EventType) model.EventType {
	if prior == model.EventEntry {
		return model.EventExit
	}
	return model.EventEntry
}
