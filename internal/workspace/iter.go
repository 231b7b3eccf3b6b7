package workspace

import "iter"

// Repositories returns a lazy depth-first sequence of the repositories under
// rootID, or under every workspace when rootID is empty. The lock is taken
// per step and released before yield, so the consumer may call back into the
// tree; nodes deleted mid-iteration are skipped. Each range over the returned
// sequence starts from the beginning.
func (t *Tree) Repositories(rootID string) iter.Seq[Node] {
	return func(yield func(Node) bool) {
		var stack []string
		t.mu.RLock()
		if rootID == "" {
			for i := len(t.roots) - 1; i >= 0; i-- {
				stack = append(stack, t.roots[i])
			}
		} else {
			stack = append(stack, rootID)
		}
		t.mu.RUnlock()

		for len(stack) > 0 {
			id := stack[len(stack)-1]
			stack = stack[:len(stack)-1]

			t.mu.RLock()
			n, ok := t.nodes[id]
			var node Node
			if ok {
				node = n.clone()
			}
			t.mu.RUnlock()
			if !ok {
				continue
			}

			if node.Kind == KindRepository {
				if !yield(node) {
					return
				}
				continue
			}
			for i := len(node.Children) - 1; i >= 0; i-- {
				stack = append(stack, node.Children[i])
			}
		}
	}
}
