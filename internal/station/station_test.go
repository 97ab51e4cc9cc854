package station

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeGeocoder struct {
	coords map[string]Coordinates
	calls  int
}

func (g *fakeGeocoder) Geocode(_ context.Context, city string) (Coordinates, error) {
	g.calls++
	if c, ok := g.coords[city]; ok {
		return c, nil
	}
	return Coordinates{}, errors.New("no result")
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		isDef   bool
		wantErr bool
	}{
		{"", "", true, false},
		{"   ", "", true, false},
		{"cdg_07157", "cdg_07157", false, false},
		{"LFPO", "LFPO", false, false},
		{"bad id", "", false, true},
		{"../etc", "", false, true},
	}
	for _, tt := range tests {
		s, err := ParseScope(tt.raw)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidScope) {
				t.Errorf("ParseScope(%q): expected ErrInvalidScope, got %v", tt.raw, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("ParseScope(%q): unexpected error: %v", tt.raw, err)
		}
		if s.String() != tt.want || s.IsDefault() != tt.isDef {
			t.Errorf("ParseScope(%q) = (%q, default=%v), want (%q, default=%v)",
				tt.raw, s.String(), s.IsDefault(), tt.want, tt.isDef)
		}
	}
}

func TestCanonical_AliasTable(t *testing.T) {
	dir := NewDirectory(nil, nil)

	if got := dir.Canonical(Default()); got != DefaultStationID {
		t.Errorf("default scope should map to %s, got %s", DefaultStationID, got)
	}
	if got := dir.Canonical(Named("LFPG")); got != DefaultStationID {
		t.Errorf("LFPG should map to %s, got %s", DefaultStationID, got)
	}
	if got := dir.Canonical(Named("LFML")); got != "LFML" {
		t.Errorf("unaliased station should map to itself, got %s", got)
	}
}

func TestCandidates_LiteralThenAlias(t *testing.T) {
	dir := NewDirectory(nil, nil)

	got := dir.Candidates(Named("LFPG"))
	if len(got) != 2 || got[0] != "LFPG" || got[1] != DefaultStationID {
		t.Errorf("expected [LFPG %s], got %v", DefaultStationID, got)
	}
	got = dir.Candidates(Default())
	if len(got) != 1 || got[0] != DefaultStationID {
		t.Errorf("expected [%s] for default scope, got %v", DefaultStationID, got)
	}
	got = dir.Candidates(Named("LFML"))
	if len(got) != 1 || got[0] != "LFML" {
		t.Errorf("expected [LFML], got %v", got)
	}
}

func TestCoordinates_ResolutionOrder(t *testing.T) {
	lat, lon := 44.0, 1.0
	dir := NewDirectory([]Station{
		{ID: "with_coords", City: "Nowhere", Lat: &lat, Lon: &lon},
		{ID: "icao_only", City: "Nice", ICAO: "LFMN"},
		{ID: "city_only", City: "Lyon"},
		{ID: "lost", City: "Atlantis"},
	}, nil)
	geo := &fakeGeocoder{coords: map[string]Coordinates{"Lyon": {45.76, 4.83}}}
	ctx := context.Background()

	c, err := dir.Coordinates(ctx, Named("with_coords"), geo)
	if err != nil || c.Lat != 44.0 {
		t.Errorf("station lat/lon should win, got %+v, %v", c, err)
	}

	c, err = dir.Coordinates(ctx, Named("icao_only"), geo)
	if err != nil || c != icaoCoordinates["LFMN"] {
		t.Errorf("ICAO table should be used, got %+v, %v", c, err)
	}

	c, err = dir.Coordinates(ctx, Named("city_only"), geo)
	if err != nil || c.Lat != 45.76 {
		t.Errorf("geocoding fallback should be used, got %+v, %v", c, err)
	}

	_, err = dir.Coordinates(ctx, Named("lost"), geo)
	if !errors.Is(err, ErrUnresolved) {
		t.Errorf("expected ErrUnresolved, got %v", err)
	}
}

func TestCoordinates_ParisFallback(t *testing.T) {
	// No station metadata and a failing geocoder: Paris-area aliases still resolve.
	dir := NewDirectory(nil, map[string]string{"": DefaultStationID, "paris": DefaultStationID})
	geo := &fakeGeocoder{}

	c, err := dir.Coordinates(context.Background(), Named("paris"), geo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if c != Paris {
		t.Errorf("expected Paris fallback, got %+v", c)
	}
	if geo.calls != 1 {
		t.Errorf("geocoder should be tried once before the fallback, got %d calls", geo.calls)
	}
}

func TestLoadDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stations.json")
	content := `{
  "stations": [{"id": "bdx_07510", "name": "Bordeaux-Merignac", "city": "Bordeaux", "icao": "LFBD"}],
  "aliases": {"": "cdg_07157", "LFBD": "bdx_07510"}
}`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	dir, err := LoadDirectory(path)
	if err != nil {
		t.Fatalf("LoadDirectory failed: %v", err)
	}
	if got := dir.Canonical(Named("LFBD")); got != "bdx_07510" {
		t.Errorf("expected alias to bdx_07510, got %s", got)
	}
	if got := dir.City(Named("LFBD")); got != "Bordeaux" {
		t.Errorf("expected city Bordeaux, got %s", got)
	}
	c, err := dir.Coordinates(context.Background(), Named("bdx_07510"), nil)
	if err != nil || c != icaoCoordinates["LFBD"] {
		t.Errorf("expected LFBD coordinates, got %+v, %v", c, err)
	}
}

func TestLoadDirectory_Builtin(t *testing.T) {
	dir, err := LoadDirectory("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := dir.Lookup(DefaultStationID); !ok {
		t.Error("built-in directory should contain the default station")
	}
	if got := dir.City(Default()); got != DefaultCity {
		t.Errorf("expected %s, got %s", DefaultCity, got)
	}
}
