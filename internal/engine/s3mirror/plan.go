package s3mirror

import "sort"

// ItemMetadata is one side's view of a file: relative slash-separated
// path plus size.
type ItemMetadata struct {
	Path string
	Size int64
}

// ItemRef identifies one compared file.
type ItemRef struct {
	Path string
	Size int64
}

// CompareResult buckets every path by what the metadata comparison can
// already decide. NeedChecksum holds same-size pairs that only content
// can distinguish.
type CompareResult struct {
	New          []ItemRef // source-only: copy
	Extra        []ItemRef // dest-only: delete
	SizeMismatch []ItemRef // differing sizes: copy
	NeedChecksum []ItemRef // same size: checksum decides
}

// Action tags a planned transfer.
type Action string

const (
	ActionCopy   Action = "copy"
	ActionDelete Action = "delete"
)

// Transfer is one planned operation, in source-relative path terms.
type Transfer struct {
	Action Action
	Path   string
	Size   int64
	Reason string
}

// Compare classifies source against dest by metadata alone. A mirror is
// strict: dest-only files are always scheduled for deletion.
func Compare(source, dest []ItemMetadata) CompareResult {
	sourceMap := make(map[string]ItemMetadata, len(source))
	for _, item := range source {
		sourceMap[item.Path] = item
	}
	destMap := make(map[string]ItemMetadata, len(dest))
	for _, item := range dest {
		destMap[item.Path] = item
	}

	result := CompareResult{
		New:          []ItemRef{},
		Extra:        []ItemRef{},
		SizeMismatch: []ItemRef{},
		NeedChecksum: []ItemRef{},
	}

	for path, srcItem := range sourceMap {
		ref := ItemRef{Path: path, Size: srcItem.Size}
		destItem, exists := destMap[path]
		switch {
		case !exists:
			result.New = append(result.New, ref)
		case srcItem.Size != destItem.Size:
			result.SizeMismatch = append(result.SizeMismatch, ref)
		default:
			result.NeedChecksum = append(result.NeedChecksum, ref)
		}
	}

	for path, destItem := range destMap {
		if _, exists := sourceMap[path]; !exists {
			result.Extra = append(result.Extra, ItemRef{Path: path, Size: destItem.Size})
		}
	}

	sortRefs(result.New)
	sortRefs(result.Extra)
	sortRefs(result.SizeMismatch)
	sortRefs(result.NeedChecksum)
	return result
}

// BuildPlan turns a comparison into an ordered transfer list. differing
// reports, for each NeedChecksum path, whether the checksums disagreed;
// paths absent from the map are treated as identical and skipped.
func BuildPlan(cmp CompareResult, differing map[string]bool) []Transfer {
	plan := []Transfer{}

	for _, ref := range cmp.New {
		plan = append(plan, Transfer{ActionCopy, ref.Path, ref.Size, "new file"})
	}
	for _, ref := range cmp.SizeMismatch {
		plan = append(plan, Transfer{ActionCopy, ref.Path, ref.Size, "size differs"})
	}
	for _, ref := range cmp.NeedChecksum {
		if differing[ref.Path] {
			plan = append(plan, Transfer{ActionCopy, ref.Path, ref.Size, "checksum differs"})
		}
	}
	for _, ref := range cmp.Extra {
		plan = append(plan, Transfer{ActionDelete, ref.Path, ref.Size, "not in source"})
	}

	sort.Slice(plan, func(i, j int) bool {
		if plan[i].Action != plan[j].Action {
			return plan[i].Action < plan[j].Action
		}
		return plan[i].Path < plan[j].Path
	})
	return plan
}

func sortRefs(refs []ItemRef) {
	sort.Slice(refs, func(i, j int) bool { return refs[i].Path < refs[j].Path })
}
