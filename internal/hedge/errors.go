package hedge

import (
	"fmt"

	"dn-hedge-bot/internal/state"
)

// OrphanedPositionError reports exposure left on a venue after an
// unwind attempt exhausted its retries. Orphans are real capital at
// risk: they are persisted, published and block automated entries until
// an operator clears them.
type OrphanedPositionError struct {
	Orphans []state.OrphanRecord
}

func (e *OrphanedPositionError) Error() string {
	return fmt.Sprintf("%d orphaned position(s) awaiting manual intervention", len(e.Orphans))
}
