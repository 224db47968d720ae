package reference

import (
	"encoding/json"
	"sort"

	"github.com/paperflow/paperflow/internal/ident"
)

// Merge collapses records that refer to the same work.
//
// Records sharing a DOI or arXiv ID are always grouped. Records sharing a
// normalized title (and year) are grouped unless both carry external
// identifiers that disagree. Within a group, fields are filled from the
// most populated member first and the longest author list wins, so the
// merged record does not depend on input order. Groups are returned in
// the order of their first member.
func Merge(records []Record) []Record {
	if len(records) == 0 {
		return nil
	}

	uf := newUnionFind(len(records))
	byExternal := make(map[string]int)
	byTitle := make(map[string][]int)

	for i, r := range records {
		for _, k := range externalKeys(r) {
			if j, ok := byExternal[k]; ok {
				uf.union(i, j)
			} else {
				byExternal[k] = i
			}
		}
		if tk := titleKey(r); tk != "" {
			for _, j := range byTitle[tk] {
				if !conflicting(r, records[j]) {
					uf.union(i, j)
				}
			}
			byTitle[tk] = append(byTitle[tk], i)
		}
	}

	var roots []int
	groups := make(map[int][]Record)
	for i, r := range records {
		root := uf.find(i)
		if _, seen := groups[root]; !seen {
			roots = append(roots, root)
		}
		groups[root] = append(groups[root], r)
	}

	merged := make([]Record, 0, len(roots))
	for _, root := range roots {
		merged = append(merged, mergeGroup(groups[root]))
	}
	return merged
}

// mergeGroup folds a group of records describing one work into one record.
func mergeGroup(group []Record) Record {
	sorted := make([]Record, len(group))
	copy(sorted, group)
	for i := range sorted {
		sorted[i].Key = ""
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		pi, pj := sorted[i].Populated(), sorted[j].Populated()
		if pi != pj {
			return pi > pj
		}
		return canonical(sorted[i]) < canonical(sorted[j])
	})

	out := Record{}
	for _, r := range sorted {
		out = FillFrom(out, r)
	}
	out.Authors = longestAuthors(sorted)
	out.Key = IdentityKey(out)
	return out
}

// longestAuthors returns the first longest non-empty author list in order.
func longestAuthors(sorted []Record) []string {
	var best []string
	for _, r := range sorted {
		if len(r.Authors) > len(best) {
			best = r.Authors
		}
	}
	if best == nil {
		return nil
	}
	return append([]string(nil), best...)
}

// canonical is a total order tie-breaker between equally populated records.
func canonical(r Record) string {
	data, _ := json.Marshal(r)
	return string(data)
}

// externalKeys returns the DOI and arXiv keys of a record.
func externalKeys(r Record) []string {
	var keys []string
	if doi := ident.NormalizeDOI(r.DOI); doi != "" {
		keys = append(keys, KeyPrefixDOI+doi)
	}
	if id := ident.NormalizeArXivID(r.ArXivID); id != "" {
		keys = append(keys, KeyPrefixArXiv+id)
	}
	return keys
}

// conflicting reports whether two records carry different identifiers of the same kind.
func conflicting(a, b Record) bool {
	da, db := ident.NormalizeDOI(a.DOI), ident.NormalizeDOI(b.DOI)
	if da != "" && db != "" && da != db {
		return true
	}
	xa, xb := ident.NormalizeArXivID(a.ArXivID), ident.NormalizeArXivID(b.ArXivID)
	return xa != "" && xb != "" && xa != xb
}

type unionFind struct {
	parent []int
}

func newUnionFind(n int) *unionFind {
	p := make([]int, n)
	for i := range p {
		p[i] = i
	}
	return &unionFind{parent: p}
}

func (u *unionFind) find(i int) int {
	for u.parent[i] != i {
		u.parent[i] = u.parent[u.parent[i]]
		i = u.parent[i]
	}
	return i
}

// union links the larger root under the smaller so the root is the
// earliest index in the group.
func (u *unionFind) union(a, b int) {
	ra, rb := u.find(a), u.find(b)
	switch {
	case ra == rb:
	case ra < rb:
		u.parent[rb] = ra
	default:
		u.parent[ra] = rb
	}
}
