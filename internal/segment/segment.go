// Package segment maps (machine, material) pairs onto the segment keys that own
// one pair of trained price/time models.
package segment

import (
	"sort"
	"strings"
	"unicode"
)

// Key identifies one trained model pair.
type Key struct {
	Machine string
	Group   string
}

// String returns the canonical "<machine>_<group>" form used in reports and
// artifact names.
func (k Key) String() string {
	return k.Machine + "_" + k.Group
}

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool {
	return k.Machine == "" && k.Group == ""
}

// Resolver owns the alias and grouping rules. It is immutable after construction
// and safe for concurrent use.
type Resolver struct {
	aliases map[string]string // normalized spelling -> canonical material
	groups  map[string]string // canonical material -> group id
}

// NewResolver builds a resolver. aliases maps raw spellings to canonical material
// codes; groups maps a group id to the canonical materials it absorbs. Canonical
// codes and group ids are registered as their own aliases.
func NewResolver(aliases map[string]string, groups map[string][]string) *Resolver {
	r := &Resolver{
		aliases: make(map[string]string),
		groups:  make(map[string]string),
	}
	for raw, canonical := range aliases {
		r.aliases[normalize(raw)] = canonical
		r.aliases[normalize(canonical)] = canonical
	}
	for group, members := range groups {
		r.aliases[normalize(group)] = group
		for _, m := range members {
			r.groups[m] = group
			if _, ok := r.aliases[normalize(m)]; !ok {
				r.aliases[normalize(m)] = m
			}
		}
	}
	return r
}

// Canonical returns the canonical material code for a raw spelling. Unknown
// spellings are returned trimmed.
func (r *Resolver) Canonical(material string) string {
	if c, ok := r.aliases[normalize(material)]; ok {
		return c
	}
	return strings.TrimSpace(material)
}

// Group returns the material group of a raw spelling. Materials outside every
// group are their own group.
func (r *Resolver) Group(material string) string {
	c := r.Canonical(material)
	if g, ok := r.groups[c]; ok {
		return g
	}
	return c
}

// Resolve maps a machine and raw material onto its segment key.
func (r *Resolver) Resolve(machine, material string) Key {
	return Key{Machine: strings.TrimSpace(machine), Group: r.Group(material)}
}

// SameGroup reports whether two raw materials share a model group.
func (r *Resolver) SameGroup(a, b string) bool {
	return r.Group(a) == r.Group(b)
}

// Sort orders keys by their string form.
func Sort(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}

func normalize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
