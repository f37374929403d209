package tags

// rotationCursor tracks where the next rotating query begins. It is not
// safe for concurrent use; Service guards it with rotationMu.
type rotationCursor int

// advance returns the start offset for a window of limit records over count
// valid records and moves the cursor past it. The cursor returns to zero once
// it reaches the end of the valid set.
func (c *rotationCursor) advance(count, limit int) int {
	if count <= 0 {
		*c = 0
		return 0
	}
	start := int(*c) % count
	next := start + limit
	if next >= count {
		next = 0
	}
	*c = rotationCursor(next)
	return start
}
