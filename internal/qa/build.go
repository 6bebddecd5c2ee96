package qa

import "sort"

// BuildForest nests flat rows into a forest. Questions come out newest first
// and replies oldest first; rows whose parent is missing are dropped.
func BuildForest(rows []Item) Forest {
	type node struct {
		item     Item
		children []*node
	}

	ordered := make([]Item, len(rows))
	copy(ordered, rows)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].CreatedAt.Before(ordered[j].CreatedAt)
	})

	nodes := make(map[string]*node, len(ordered))
	for _, row := range ordered {
		row.Replies = nil
		nodes[row.ID] = &node{item: row}
	}

	var roots []*node
	for _, row := range ordered {
		n := nodes[row.ID]
		if row.ParentID == nil {
			roots = append(roots, n)
			continue
		}
		if parent, ok := nodes[*row.ParentID]; ok && parent != n {
			parent.children = append(parent.children, n)
		}
	}

	var materialize func(n *node) Item
	materialize = func(n *node) Item {
		item := n.item
		item.Replies = make([]Item, 0, len(n.children))
		for _, child := range n.children {
			item.Replies = append(item.Replies, materialize(child))
		}
		return item
	}

	forest := make(Forest, 0, len(roots))
	for i := len(roots) - 1; i >= 0; i-- {
		forest = append(forest, materialize(roots[i]))
	}
	return forest
}
