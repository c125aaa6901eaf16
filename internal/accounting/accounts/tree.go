package accounts

import (
	"fmt"
	"sort"
)

// Tree is an arena-indexed account hierarchy. Parents are referenced by slice
// index so the structure never holds pointer cycles.
type Tree struct {
	nodes []treeNode
	index map[string]int
}

type treeNode struct {
	account  Account
	parent   int
	children []int
}

// BuildTree indexes accounts and validates parent links. Dangling parents and
// cycles in the stored data are reported instead of trusted.
func BuildTree(accounts []Account) (*Tree, error) {
	t := &Tree{nodes: make([]treeNode, 0, len(accounts)), index: make(map[string]int, len(accounts))}
	for _, a := range accounts {
		if _, dup := t.index[a.Code]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCode, a.Code)
		}
		t.index[a.Code] = len(t.nodes)
		t.nodes = append(t.nodes, treeNode{account: a, parent: -1})
	}
	for i := range t.nodes {
		parent := t.nodes[i].account.ParentCode
		if parent == nil || *parent == "" {
			continue
		}
		p, ok := t.index[*parent]
		if !ok {
			return nil, fmt.Errorf("%w: %s (parent of %s)", ErrParentNotFound, *parent, t.nodes[i].account.Code)
		}
		t.nodes[i].parent = p
		t.nodes[p].children = append(t.nodes[p].children, i)
	}
	for i := range t.nodes {
		if t.cyclic(i) {
			return nil, fmt.Errorf("%w at %s", ErrCycle, t.nodes[i].account.Code)
		}
	}
	for i := range t.nodes {
		t.nodes[i].account.Level = t.depth(i)
	}
	return t, nil
}

func (t *Tree) cyclic(start int) bool {
	steps := 0
	for cur := t.nodes[start].parent; cur != -1; cur = t.nodes[cur].parent {
		if cur == start || steps > len(t.nodes) {
			return true
		}
		steps++
	}
	return false
}

func (t *Tree) depth(i int) int {
	level := 0
	for cur := t.nodes[i].parent; cur != -1; cur = t.nodes[cur].parent {
		level++
	}
	return level
}

// Len returns the number of accounts.
func (t *Tree) Len() int { return len(t.nodes) }

// Get returns the account for code.
func (t *Tree) Get(code string) (Account, bool) {
	i, ok := t.index[code]
	if !ok {
		return Account{}, false
	}
	return t.nodes[i].account, true
}

// LevelFor returns the level a child of parentCode would have.
func (t *Tree) LevelFor(parentCode string) (int, error) {
	if parentCode == "" {
		return 0, nil
	}
	i, ok := t.index[parentCode]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrParentNotFound, parentCode)
	}
	return t.nodes[i].account.Level + 1, nil
}

// WouldCycle reports whether re-parenting code under newParent creates a cycle.
func (t *Tree) WouldCycle(code, newParent string) bool {
	if newParent == "" {
		return false
	}
	if code == newParent {
		return true
	}
	target, ok := t.index[code]
	if !ok {
		return false
	}
	cur, ok := t.index[newParent]
	if !ok {
		return false
	}
	for cur != -1 {
		if cur == target {
			return true
		}
		cur = t.nodes[cur].parent
	}
	return false
}

// Children returns the direct children codes of code, sorted.
func (t *Tree) Children(code string) []string {
	i, ok := t.index[code]
	if !ok {
		return nil
	}
	out := make([]string, 0, len(t.nodes[i].children))
	for _, c := range t.nodes[i].children {
		out = append(out, t.nodes[c].account.Code)
	}
	sort.Strings(out)
	return out
}

// Walk visits accounts depth-first from the roots in code order.
func (t *Tree) Walk(fn func(Account)) {
	var roots []int
	for i, n := range t.nodes {
		if n.parent == -1 {
			roots = append(roots, i)
		}
	}
	t.sortByCode(roots)
	var visit func(int)
	visit = func(i int) {
		fn(t.nodes[i].account)
		kids := append([]int(nil), t.nodes[i].children...)
		t.sortByCode(kids)
		for _, k := range kids {
			visit(k)
		}
	}
	for _, r := range roots {
		visit(r)
	}
}

func (t *Tree) sortByCode(idx []int) {
	sort.Slice(idx, func(a, b int) bool {
		return t.nodes[idx[a]].account.Code < t.nodes[idx[b]].account.Code
	})
}
