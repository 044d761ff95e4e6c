package fusion

// ItemKind classifies one reconciliation step inside a batch pass.
type ItemKind int

const (
	// ItemOwnerAssign records assigning an asset's owner album to its first
	// not-matched candidate.
	ItemOwnerAssign ItemKind = iota
	// ItemClone records cloning an asset for an additional candidate album.
	ItemClone
	// ItemMerge records merging a loser album into a survivor.
	ItemMerge
	// ItemBundleUnify records unifying a legacy-bundle album into its
	// canonical album.
	ItemBundleUnify
)

// String returns a log-friendly name for the item kind.
func (k ItemKind) String() string {
	switch k {
	case ItemOwnerAssign:
		return "owner_assign"
	case ItemClone:
		return "clone"
	case ItemMerge:
		return "merge"
	case ItemBundleUnify:
		return "bundle_unify"
	default:
		return "unknown"
	}
}

// ItemResult is the outcome of one per-item step. A batch pass never aborts
// on a single item's failure; the error is carried here instead of only
// being visible in logs.
type ItemResult struct {
	Kind    ItemKind
	AssetID int64 // asset acted on, if any
	AlbumID int64 // candidate/loser album, if any
	Target  int64 // assigned owner / survivor album / clone file id
	Moved   int64 // assets retargeted by a merge
	Err     error
}

// Report aggregates the per-item results of one reconciliation pass.
type Report struct {
	Items []ItemResult

	// Swept counts assets reassigned to the fallback album at the end of
	// the pass.
	Swept int64
}

func (r *Report) add(item ItemResult) {
	r.Items = append(r.Items, item)
}

// Failed returns the number of items that ended in an error.
func (r *Report) Failed() int {
	n := 0
	for _, it := range r.Items {
		if it.Err != nil {
			n++
		}
	}
	return n
}

// Succeeded returns the number of items that completed.
func (r *Report) Succeeded() int {
	return len(r.Items) - r.Failed()
}
