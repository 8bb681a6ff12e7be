package state

import "context"

const (
	CoordinatorSnapshotKey = "hedge:last_snapshot"
	OrphanRecordsKey       = "hedge:orphans"
)

// CoordinatorSnapshot is what the coordinator writes after every state
// transition. On restart it is compared against live venue positions to
// detect drift before any new cycle starts.
type CoordinatorSnapshot struct {
	State             string  `json:"state"`
	Symbol            string  `json:"symbol"`
	SpotVenue         string  `json:"spot_venue"`
	PerpVenue         string  `json:"perp_venue"`
	SpotQty           float64 `json:"spot_qty"`
	PerpQty           float64 `json:"perp_qty"`
	EntryFundingAPY   float64 `json:"entry_funding_apy"`
	TargetNotionalUSD float64 `json:"target_notional_usd"`
	CooldownUntilMS   int64   `json:"cooldown_until_ms"`
	UpdatedAtMS       int64   `json:"updated_at_ms"`
}

func LoadCoordinatorSnapshot(ctx context.Context, store Store) (CoordinatorSnapshot, bool, error) {
	var snapshot CoordinatorSnapshot
	ok, err := loadJSON(ctx, store, CoordinatorSnapshotKey, &snapshot)
	if err != nil {
		return CoordinatorSnapshot{}, false, err
	}
	return snapshot, ok, nil
}

func SaveCoordinatorSnapshot(ctx context.Context, store Store, snapshot CoordinatorSnapshot) error {
	return saveJSON(ctx, store, CoordinatorSnapshotKey, snapshot)
}

// OrphanRecord is exposure the coordinator could not pair or unwind,
// typically one leg of a cycle whose counterpart never executed and
// whose unwind also failed. Orphans block new entries until an operator
// resolves them.
type OrphanRecord struct {
	IntentID    string  `json:"intent_id"`
	Venue       string  `json:"venue"`
	Symbol      string  `json:"symbol"`
	Kind        string  `json:"kind"`
	Qty         float64 `json:"qty"`
	AvgPrice    float64 `json:"avg_price"`
	Reason      string  `json:"reason"`
	CreatedAtMS int64   `json:"created_at_ms"`
}

func LoadOrphans(ctx context.Context, store Store) ([]OrphanRecord, error) {
	var orphans []OrphanRecord
	if _, err := loadJSON(ctx, store, OrphanRecordsKey, &orphans); err != nil {
		return nil, err
	}
	return orphans, nil
}

func AppendOrphan(ctx context.Context, store Store, rec OrphanRecord) error {
	orphans, err := LoadOrphans(ctx, store)
	if err != nil {
		return err
	}
	return saveJSON(ctx, store, OrphanRecordsKey, append(orphans, rec))
}

func ClearOrphans(ctx context.Context, store Store) error {
	if store == nil {
		return nil
	}
	return store.Delete(ctx, OrphanRecordsKey)
}
