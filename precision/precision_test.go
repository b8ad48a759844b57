// precision_test.go - Unit Tests fuer Genauigkeits- und Layout-Modi
package precision

import (
	"errors"
	"testing"

	"github.com/Sygil-Dev/diffusers/ml"
)

func TestSelectDType(t *testing.T) {
	tests := []struct {
		mode    Mode
		want    ml.DType
		wantErr bool
	}{
		{ModeFull, ml.DTypeF32, false},
		{ModeReduced, ml.DTypeF16, false},
		{ModeBFloat16, ml.DTypeBF16, false},
		{"", ml.DTypeF32, false},
		{"double", ml.DTypeOther, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.mode), func(t *testing.T) {
			got, err := SelectDType(tt.mode)
			if (err != nil) != tt.wantErr {
				t.Fatalf("SelectDType(%q) Fehler = %v, erwartet Fehler %v", tt.mode, err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrUnknownMode) {
				t.Errorf("Fehler %v ist kein ErrUnknownMode", err)
			}
			if got != tt.want {
				t.Errorf("SelectDType(%q) = %v, erwartet %v", tt.mode, got, tt.want)
			}
		})
	}
}

func TestSelectLayout(t *testing.T) {
	got, err := SelectLayout(LayoutChannelsLast)
	if err != nil {
		t.Fatalf("SelectLayout fehlgeschlagen: %v", err)
	}
	if got != ml.LayoutChannelsLast {
		t.Errorf("Layout = %v, erwartet channels-last", got)
	}

	// Die Permutation verschiebt die Kanal-Achse nach innen
	perm := got.Permutation()
	if perm != [4]int{0, 2, 3, 1} {
		t.Errorf("Permutation = %v, erwartet [0 2 3 1]", perm)
	}

	if _, err := SelectLayout("planar"); !errors.Is(err, ErrUnknownLayout) {
		t.Errorf("Fehler = %v, erwartet ErrUnknownLayout", err)
	}
}

func TestCoordinator(t *testing.T) {
	c, err := NewCoordinator(ModeReduced, LayoutChannelsLast)
	if err != nil {
		t.Fatalf("NewCoordinator fehlgeschlagen: %v", err)
	}

	if c.DType() != ml.DTypeF16 {
		t.Errorf("DType = %v, erwartet F16", c.DType())
	}
	if c.Layout() != ml.LayoutChannelsLast {
		t.Errorf("Layout = %v, erwartet channels-last", c.Layout())
	}
	if c.String() != "reduced/channels-last" {
		t.Errorf("String = %q, erwartet reduced/channels-last", c.String())
	}
}

func TestCoordinatorDefaults(t *testing.T) {
	c, err := NewCoordinator("", "")
	if err != nil {
		t.Fatalf("NewCoordinator fehlgeschlagen: %v", err)
	}

	if c.Mode() != ModeFull || c.LayoutMode() != LayoutDefault {
		t.Errorf("Defaults = %s/%s, erwartet full/default", c.Mode(), c.LayoutMode())
	}
}

func TestCoordinatorRejectsUnknownModes(t *testing.T) {
	if _, err := NewCoordinator("half", LayoutDefault); err == nil {
		t.Error("unbekannter Genauigkeits-Modus sollte abgelehnt werden")
	}
	if _, err := NewCoordinator(ModeFull, "interleaved"); err == nil {
		t.Error("unbekannter Layout-Modus sollte abgelehnt werden")
	}
}

func TestTwoCoordinatorsIndependent(t *testing.T) {
	a, _ := NewCoordinator(ModeFull, LayoutDefault)
	b, _ := NewCoordinator(ModeReduced, LayoutChannelsLast)

	if a.DType() == b.DType() {
		t.Error("zwei Instanzen duerfen sich nicht beeinflussen")
	}
}
