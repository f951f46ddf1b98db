package scoring

import "sort"

// Weighted Union-Find with path compression, used to group wallets that
// are transitively connected by scored pair edges above the weak
// threshold. Find/Union are amortized near-constant; space is linear in
// the number of wallets considered.
//
// Infrastructure entities never enter the structure: the caller filters
// them before Union, so a shared exchange wallet cannot glue two
// unrelated clusters together.

type unionFind struct {
	parent map[string]string
	rank   map[string]int
	size   map[string]int
}

func newUnionFind() *unionFind {
	return &unionFind{
		parent: make(map[string]string),
		rank:   make(map[string]int),
		size:   make(map[string]int),
	}
}

// find returns the root representative for id, creating a singleton
// set on first sight.
func (uf *unionFind) find(id string) string {
	if _, ok := uf.parent[id]; !ok {
		uf.parent[id] = id
		uf.rank[id] = 0
		uf.size[id] = 1
	}
	if uf.parent[id] != id {
		uf.parent[id] = uf.find(uf.parent[id])
	}
	return uf.parent[id]
}

// union merges the sets containing a and b, by rank.
// Returns true when a merge actually occurred.
func (uf *unionFind) union(a, b string) bool {
	ra, rb := uf.find(a), uf.find(b)
	if ra == rb {
		return false
	}
	switch {
	case uf.rank[ra] < uf.rank[rb]:
		uf.parent[ra] = rb
		uf.size[rb] += uf.size[ra]
	case uf.rank[ra] > uf.rank[rb]:
		uf.parent[rb] = ra
		uf.size[ra] += uf.size[rb]
	default:
		uf.parent[rb] = ra
		uf.size[ra] += uf.size[rb]
		uf.rank[ra]++
	}
	return true
}

// components returns the member sets, each sorted, largest first.
func (uf *unionFind) components() [][]string {
	byRoot := make(map[string][]string)
	for id := range uf.parent {
		root := uf.find(id)
		byRoot[root] = append(byRoot[root], id)
	}
	out := make([][]string, 0, len(byRoot))
	for _, members := range byRoot {
		sort.Strings(members)
		out = append(out, members)
	}
	// Deterministic output order: by size desc, then first member.
	sort.Slice(out, func(i, j int) bool {
		if len(out[i]) != len(out[j]) {
			return len(out[i]) > len(out[j])
		}
		return out[i][0] < out[j][0]
	})
	return out
}
