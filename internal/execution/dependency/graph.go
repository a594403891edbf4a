package dependency

import (
	"sort"

	"github.com/animus-labs/crewflow/internal/domain"
)

// Graph is an in-memory view of dependency edges. Adjacency lists are kept
// sorted so every traversal is deterministic.
type Graph struct {
	nodes     map[domain.EntityRef]struct{}
	dependsOn map[domain.EntityRef][]domain.EntityRef
	dependent map[domain.EntityRef][]domain.EntityRef
}

func NewGraph(edges []domain.Dependency) *Graph {
	g := &Graph{
		nodes:     map[domain.EntityRef]struct{}{},
		dependsOn: map[domain.EntityRef][]domain.EntityRef{},
		dependent: map[domain.EntityRef][]domain.EntityRef{},
	}
	for _, edge := range edges {
		g.Add(edge.Dependent, edge.DependsOn)
	}
	return g
}

// Add records that dependent waits on dependsOn. Duplicate pairs are ignored.
func (g *Graph) Add(dependent, dependsOn domain.EntityRef) {
	g.nodes[dependent] = struct{}{}
	g.nodes[dependsOn] = struct{}{}
	if containsRef(g.dependsOn[dependent], dependsOn) {
		return
	}
	g.dependsOn[dependent] = insertSorted(g.dependsOn[dependent], dependsOn)
	g.dependent[dependsOn] = insertSorted(g.dependent[dependsOn], dependent)
}

func (g *Graph) AddNode(ref domain.EntityRef) {
	g.nodes[ref] = struct{}{}
}

func (g *Graph) DependsOn(ref domain.EntityRef) []domain.EntityRef {
	return append([]domain.EntityRef(nil), g.dependsOn[ref]...)
}

func (g *Graph) Dependents(ref domain.EntityRef) []domain.EntityRef {
	return append([]domain.EntityRef(nil), g.dependent[ref]...)
}

// Nodes returns every node in lexical order.
func (g *Graph) Nodes() []domain.EntityRef {
	out := make([]domain.EntityRef, 0, len(g.nodes))
	for ref := range g.nodes {
		out = append(out, ref)
	}
	SortRefs(out)
	return out
}

// closure returns every node reachable from ref through next, excluding ref.
func (g *Graph) closure(ref domain.EntityRef, next map[domain.EntityRef][]domain.EntityRef) []domain.EntityRef {
	seen := map[domain.EntityRef]struct{}{ref: {}}
	queue := []domain.EntityRef{ref}
	var out []domain.EntityRef
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range next[cur] {
			if _, ok := seen[n]; ok {
				continue
			}
			seen[n] = struct{}{}
			out = append(out, n)
			queue = append(queue, n)
		}
	}
	SortRefs(out)
	return out
}

// Ancestors returns every unit ref transitively depends on.
func (g *Graph) Ancestors(ref domain.EntityRef) []domain.EntityRef {
	return g.closure(ref, g.dependsOn)
}

// Descendants returns every unit that transitively depends on ref.
func (g *Graph) Descendants(ref domain.EntityRef) []domain.EntityRef {
	return g.closure(ref, g.dependent)
}

// DetectCycle returns one cycle as a closed path (first == last), or nil.
// Three-colour DFS over nodes in lexical order.
func (g *Graph) DetectCycle() []domain.EntityRef {
	const (
		white = iota
		gray
		black
	)
	color := make(map[domain.EntityRef]int, len(g.nodes))
	parent := make(map[domain.EntityRef]domain.EntityRef)

	var visit func(node domain.EntityRef) []domain.EntityRef
	visit = func(node domain.EntityRef) []domain.EntityRef {
		color[node] = gray
		for _, next := range g.dependsOn[node] {
			switch color[next] {
			case gray:
				cycle := []domain.EntityRef{next, node}
				for cur := node; cur != next; {
					cur = parent[cur]
					cycle = append(cycle, cur)
				}
				reverse(cycle)
				return cycle
			case white:
				parent[next] = node
				if cycle := visit(next); cycle != nil {
					return cycle
				}
			}
		}
		color[node] = black
		return nil
	}

	for _, node := range g.Nodes() {
		if color[node] == white {
			if cycle := visit(node); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// CompareRefs orders refs by hierarchy level, then type, then id.
func CompareRefs(a, b domain.EntityRef) int {
	if la, lb := a.Type.Level(), b.Type.Level(); la != lb {
		if la < lb {
			return -1
		}
		return 1
	}
	if a.Type != b.Type {
		if a.Type < b.Type {
			return -1
		}
		return 1
	}
	switch {
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	default:
		return 0
	}
}

func SortRefs(refs []domain.EntityRef) {
	sort.Slice(refs, func(i, j int) bool { return CompareRefs(refs[i], refs[j]) < 0 })
}

func insertSorted(refs []domain.EntityRef, ref domain.EntityRef) []domain.EntityRef {
	i := sort.Search(len(refs), func(i int) bool { return CompareRefs(refs[i], ref) >= 0 })
	refs = append(refs, domain.EntityRef{})
	copy(refs[i+1:], refs[i:])
	refs[i] = ref
	return refs
}

func containsRef(refs []domain.EntityRef, ref domain.EntityRef) bool {
	for _, r := range refs {
		if r == ref {
			return true
		}
	}
	return false
}

func reverse(refs []domain.EntityRef) {
	for i, j := 0, len(refs)-1; i < j; i, j = i+1, j-1 {
		refs[i], refs[j] = refs[j], refs[i]
	}
}
