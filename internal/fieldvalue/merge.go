package fieldvalue

// MergeField combines an existing field with an incoming one.
//
// The incoming field wins only when it is itself collected; an uncollected
// incoming field never overwrites collected data. For list types the merged
// value is the existing items followed by any new incoming items, so a second
// upload adds to the first rather than replacing it.
func MergeField(existing, incoming FieldState) FieldState {
	if !IsCollected(incoming.Value) {
		return existing.Set(existing.Value)
	}
	if !IsCollected(existing.Value) || KindFor(existing.Type) != KindList {
		return existing.Set(incoming.Value)
	}

	merged := append([]string(nil), existing.Value.List...)
	seen := make(map[string]bool, len(merged))
	for _, item := range merged {
		seen[item] = true
	}
	for _, item := range incoming.Value.List {
		if !seen[item] {
			seen[item] = true
			merged = append(merged, item)
		}
	}
	return existing.Set(List(merged...))
}

// Replace sets a field to value unconditionally. A nil value clears the field.
// It bypasses the no-regression rule and is reserved for explicit edits.
func Replace(existing FieldState, value *Value) FieldState {
	return existing.Set(value)
}
