package qa

// The operations below never modify their input. Nodes on the path to a
// change are copied; untouched subtrees are shared with the input forest.

// InsertQuestion places item at the front of the forest.
func InsertQuestion(f Forest, item Item) Forest {
	out := make(Forest, 0, len(f)+1)
	out = append(out, normalize(item))
	return append(out, f...)
}

// InsertReply appends item to the replies of parentID, wherever it sits. When
// no node has that id the forest is returned as is and ok is false.
func InsertReply(f Forest, parentID string, item Item) (Forest, bool) {
	out, ok := insertReply(f, parentID, normalize(item))
	if !ok {
		return f, false
	}
	return Forest(out), true
}

func insertReply(items []Item, parentID string, reply Item) ([]Item, bool) {
	for i, node := range items {
		if node.ID == parentID {
			replies := make([]Item, 0, len(node.Replies)+1)
			replies = append(replies, node.Replies...)
			node.Replies = append(replies, reply)
			return replaceAt(items, i, node), true
		}
		if replies, ok := insertReply(node.Replies, parentID, reply); ok {
			node.Replies = replies
			return replaceAt(items, i, node), true
		}
	}
	return items, false
}

// UpdateItem swaps in updated for the node with the same id. The existing
// replies are kept whatever updated carries.
func UpdateItem(f Forest, updated Item) (Forest, bool) {
	out, ok := updateItem(f, updated)
	if !ok {
		return f, false
	}
	return Forest(out), true
}

func updateItem(items []Item, updated Item) ([]Item, bool) {
	for i, node := range items {
		if node.ID == updated.ID {
			next := updated
			next.Replies = node.Replies
			return replaceAt(items, i, next), true
		}
		if replies, ok := updateItem(node.Replies, updated); ok {
			node.Replies = replies
			return replaceAt(items, i, node), true
		}
	}
	return items, false
}

// DeleteItem removes the node with id together with its whole subtree.
func DeleteItem(f Forest, id string) (Forest, bool) {
	out, ok := deleteItem(f, id)
	if !ok {
		return f, false
	}
	return Forest(out), true
}

func deleteItem(items []Item, id string) ([]Item, bool) {
	for i, node := range items {
		if node.ID == id {
			out := make([]Item, 0, len(items)-1)
			out = append(out, items[:i]...)
			return append(out, items[i+1:]...), true
		}
		if replies, ok := deleteItem(node.Replies, id); ok {
			node.Replies = replies
			return replaceAt(items, i, node), true
		}
	}
	return items, false
}

// Find returns the node with id at any depth.
func Find(f Forest, id string) (Item, bool) {
	var found Item
	ok := false
	Walk(f, func(item Item, _ int) bool {
		if item.ID == id {
			found, ok = item, true
			return false
		}
		return true
	})
	return found, ok
}

// Contains reports whether any node has id.
func Contains(f Forest, id string) bool {
	_, ok := Find(f, id)
	return ok
}

// Walk visits every node depth first, parents before their replies. Returning
// false from fn stops the walk.
func Walk(f Forest, fn func(item Item, depth int) bool) {
	walk(f, 0, fn)
}

func walk(items []Item, depth int, fn func(Item, int) bool) bool {
	for _, item := range items {
		if !fn(item, depth) {
			return false
		}
		if !walk(item.Replies, depth+1, fn) {
			return false
		}
	}
	return true
}

// Len counts every node in the forest.
func Len(f Forest) int {
	n := 0
	Walk(f, func(Item, int) bool {
		n++
		return true
	})
	return n
}

// Clone returns a deep copy that shares no slices with f.
func Clone(f Forest) Forest {
	if f == nil {
		return Forest{}
	}
	return Forest(cloneItems(f))
}

func cloneItems(items []Item) []Item {
	out := make([]Item, len(items))
	for i, item := range items {
		if item.ParentID != nil {
			item.ParentID = StringPtr(*item.ParentID)
		}
		if item.Attachment != nil {
			a := *item.Attachment
			item.Attachment = &a
		}
		item.Replies = cloneItems(item.Replies)
		out[i] = item
	}
	return out
}

func replaceAt(items []Item, i int, node Item) []Item {
	out := make([]Item, len(items))
	copy(out, items)
	out[i] = node
	return out
}

func normalize(item Item) Item {
	if item.Replies == nil {
		item.Replies = []Item{}
	}
	return item
}
