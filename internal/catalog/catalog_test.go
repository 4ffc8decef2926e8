package catalog

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/Simplici0/lpbf-planner/internal/apperr"
)

func TestDefault_SegmentsMatchMachineMaterialTable(t *testing.T) {
	c := Default()
	keys := c.Segments(c.Resolver())

	want := []string{
		"EOS_AlSi10Mg",
		"EOS_IN718_IN625",
		"M2_alt_1.4404",
		"M2_alt_IN718_IN625",
		"M2_neu_1.4404",
		"M2_neu_AlSi10Mg",
		"M2_neu_IN718_IN625",
		"Xline_AlSi10Mg",
	}
	if len(keys) != len(want) {
		t.Fatalf("got %d segments %v, want %d", len(keys), keys, len(want))
	}
	for i, k := range keys {
		if k.String() != want[i] {
			t.Fatalf("segment[%d]=%q, want %q", i, k.String(), want[i])
		}
	}
}

func TestValidate(t *testing.T) {
	c := Default()
	r := c.Resolver()

	if err := c.Validate(r, "EOS", "inconel 718"); err != nil {
		t.Fatalf("Validate EOS/inconel 718: %v", err)
	}

	err := c.Validate(r, "Xline", "IN718")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Validate Xline/IN718 err=%v, want ErrValidation", err)
	}

	err = c.Validate(r, "Concept", "IN718")
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("Validate unknown machine err=%v, want ErrValidation", err)
	}
}

func TestLoadFile_OverridesMachinesKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	content := []byte(`
machines:
  SLM280:
    platform_surface_cm2: 784
    materials: [AlSi10Mg, "1.4404"]
`)
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	c, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if got := c.MachineNames(); len(got) != 1 || got[0] != "SLM280" {
		t.Fatalf("machines=%v, want [SLM280]", got)
	}
	if _, ok := c.Groups["IN718_IN625"]; !ok {
		t.Fatalf("expected default groups to survive")
	}
}

func TestLoadFile_RejectsNonPositiveSurface(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte("machines:\n  Bad:\n    platform_surface_cm2: 0\n"), 0o600); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	if _, err := LoadFile(path); err == nil {
		t.Fatalf("expected error for zero platform surface")
	}
}
