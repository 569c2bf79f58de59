// Package catalog owns the versioned set of known assets. A bundled
// baseline ships with the binary; a local override file is layered on top
// at load time, and a remotely fetched update can be persisted as the next
// override. The in-memory catalog is an immutable value once loaded.
package catalog

import (
	"sort"
	"strconv"
	"strings"

	"hubd/pkg/types"
)

// Catalog maps asset ids to descriptors, plus a comparable version tag.
// Assets are kept sorted by id so listings are stable.
type Catalog struct {
	Version string        `json:"version"`
	Assets  []types.Asset `json:"assets"`
}

// Find returns the descriptor for id, if present.
func (c *Catalog) Find(id string) (types.Asset, bool) {
	for _, a := range c.Assets {
		if a.ID == id {
			return a, true
		}
	}
	return types.Asset{}, false
}

// List returns assets filtered by category (empty matches all) and a
// free-text query matched case-insensitively against name, description and
// tags. The result is sorted lexicographically by id.
func (c *Catalog) List(category types.Category, query string) []types.Asset {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]types.Asset, 0, len(c.Assets))
	for _, a := range c.Assets {
		if category != "" && a.Category != category {
			continue
		}
		if q != "" && !matchesQuery(a, q) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len reports how many assets the catalog holds.
func (c *Catalog) Len() int { return len(c.Assets) }

func matchesQuery(a types.Asset, q string) bool {
	if strings.Contains(strings.ToLower(a.Name), q) {
		return true
	}
	if strings.Contains(strings.ToLower(a.Description), q) {
		return true
	}
	for _, t := range a.Tags {
		if strings.Contains(strings.ToLower(t), q) {
			return true
		}
	}
	return false
}

// Merge layers incoming on top of base and returns a new catalog. Entries
// sharing an id are fully replaced by the incoming descriptor regardless of
// version ordering (last-merge-wins); ids present on only one side are
// kept. The result version is whichever of the two tags is greater.
func Merge(base, incoming Catalog) Catalog {
	byID := make(map[string]types.Asset, len(base.Assets)+len(incoming.Assets))
	for _, a := range base.Assets {
		byID[a.ID] = a
	}
	for _, a := range incoming.Assets {
		byID[a.ID] = a
	}
	merged := Catalog{Version: base.Version}
	if CompareVersions(incoming.Version, base.Version) > 0 {
		merged.Version = incoming.Version
	}
	merged.Assets = make([]types.Asset, 0, len(byID))
	for _, a := range byID {
		merged.Assets = append(merged.Assets, a)
	}
	sort.Slice(merged.Assets, func(i, j int) bool { return merged.Assets[i].ID < merged.Assets[j].ID })
	return merged
}

// CompareVersions compares dotted numeric version tags ("1.2.0"), returning
// -1, 0 or 1. Non-numeric segments compare as strings so malformed tags
// still order deterministically.
func CompareVersions(a, b string) int {
	as := strings.Split(a, ".")
	bs := strings.Split(b, ".")
	for i := 0; i < len(as) || i < len(bs); i++ {
		var sa, sb string
		if i < len(as) {
			sa = as[i]
		}
		if i < len(bs) {
			sb = bs[i]
		}
		na, errA := strconv.Atoi(sa)
		nb, errB := strconv.Atoi(sb)
		if errA == nil && errB == nil {
			if na != nb {
				if na < nb {
					return -1
				}
				return 1
			}
			continue
		}
		if sa != sb {
			if sa < sb {
				return -1
			}
			return 1
		}
	}
	return 0
}
