package segment

import "testing"

func newTestResolver() *Resolver {
	return NewResolver(
		map[string]string{
			"Inconel 718": "IN718",
			"2.4856":      "IN625",
			"316L":        "1.4404",
		},
		map[string][]string{
			"IN718_IN625": {"IN718", "IN625"},
		},
	)
}

func TestResolve_GroupsInterchangeableMaterials(t *testing.T) {
	r := newTestResolver()

	a := r.Resolve("EOS", "IN718")
	b := r.Resolve("EOS", "IN625")
	if a != b {
		t.Fatalf("IN718 key=%v, IN625 key=%v, want equal", a, b)
	}
	if got := a.String(); got != "EOS_IN718_IN625" {
		t.Fatalf("key=%q, want %q", got, "EOS_IN718_IN625")
	}
}

func TestResolve_AliasesAreCaseAndWhitespaceInsensitive(t *testing.T) {
	r := newTestResolver()

	for _, raw := range []string{"inconel718", " INCONEL 718 ", "in718", "2.4856"} {
		if got := r.Resolve("M2_neu", raw).Group; got != "IN718_IN625" {
			t.Fatalf("Resolve(%q).Group=%q, want %q", raw, got, "IN718_IN625")
		}
	}
	if got := r.Resolve("M2_neu", "316 l").Group; got != "1.4404" {
		t.Fatalf("316 l group=%q, want %q", got, "1.4404")
	}
}

func TestResolve_UngroupedMaterialMapsToItself(t *testing.T) {
	r := newTestResolver()

	if got := r.Resolve("Xline", "AlSi10Mg"); got.String() != "Xline_AlSi10Mg" {
		t.Fatalf("key=%q, want %q", got.String(), "Xline_AlSi10Mg")
	}
	if got := r.Group("  Ti6Al4V "); got != "Ti6Al4V" {
		t.Fatalf("group=%q, want %q", got, "Ti6Al4V")
	}
}

func TestResolve_IsIdempotent(t *testing.T) {
	r := newTestResolver()

	for _, raw := range []string{"IN718", "Inconel 718", "316L", "AlSi10Mg", "in718_in625"} {
		direct := r.Resolve("EOS", raw)
		again := r.Resolve("EOS", r.Group(raw))
		if direct != again {
			t.Fatalf("Resolve(%q)=%v, Resolve(Group(%q))=%v", raw, direct, raw, again)
		}
	}
}

func TestSameGroup(t *testing.T) {
	r := newTestResolver()

	if !r.SameGroup("IN625", "inconel 718") {
		t.Fatalf("expected IN625 and inconel 718 to share a group")
	}
	if r.SameGroup("IN625", "1.4404") {
		t.Fatalf("expected IN625 and 1.4404 in different groups")
	}
}
