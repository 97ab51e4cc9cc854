// Package station resolves wager scopes to physical weather stations and
// coordinates. A scope is either the default shared market (empty id) or a
// named station; aliases map both onto the station whose observations are
// actually ingested.
package station

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
)

// DefaultStationID is the physical station behind the default scope.
const DefaultStationID = "cdg_07157"

var stationIDRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var (
	ErrInvalidScope = errors.New("station: invalid scope id")
	ErrUnresolved   = errors.New("station: coordinates unresolved")
)

// Kind distinguishes the two scope variants.
type Kind int

const (
	KindDefault Kind = iota
	KindNamed
)

// Scope identifies the market a directional wager or boost belongs to.
type Scope struct {
	kind Kind
	id   string
}

// Default returns the shared, unscoped market.
func Default() Scope { return Scope{kind: KindDefault} }

// Named returns the scope of one station. It is not validated.
func Named(id string) Scope { return Scope{kind: KindNamed, id: id} }

// ParseScope validates a raw scope string. Empty means Default.
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Default(), nil
	}
	if !stationIDRegex.MatchString(raw) {
		return Scope{}, fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
	return Named(raw), nil
}

// Kind returns the scope variant.
func (s Scope) Kind() Kind { return s.kind }

// IsDefault reports whether s is the shared market.
func (s Scope) IsDefault() bool { return s.kind == KindDefault }

// String returns the stored form: "" for Default, the id otherwise.
func (s Scope) String() string { return s.id }

// Coordinates is a WGS84 point.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Station is one entry of the station directory.
type Station struct {
	ID   string   `json:"id"`
	Name string   `json:"name"`
	City string   `json:"city"`
	ICAO string   `json:"icao,omitempty"`
	Lat  *float64 `json:"lat,omitempty"`
	Lon  *float64 `json:"lon,omitempty"`
}

// Geocoder turns a city name into coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, city string) (Coordinates, error)
}

// icaoCoordinates covers stations listed without lat/lon.
var icaoCoordinates = map[string]Coordinates{
	"LFPG": {49.0097, 2.5479},
	"LFPO": {48.7262, 2.3652},
	"LFLP": {45.9292, 6.0995},
	"LFBD": {44.8283, -0.7156},
	"LFMN": {43.6584, 7.2159},
	"LFML": {43.4393, 5.2214},
	"LFLL": {45.7256, 5.0811},
}

// Paris is the last-resort location for Paris-area aliases.
var Paris = Coordinates{Lat: 48.8566, Lon: 2.3522}

// DefaultCity is the forecast city of the default scope.
const DefaultCity = "Paris"

// DefaultAliases is the alias table used when none is configured.
func DefaultAliases() map[string]string {
	return map[string]string{
		"":      DefaultStationID,
		"LFPG":  DefaultStationID,
		"lfpg":  DefaultStationID,
		"paris": DefaultStationID,
	}
}

// Directory holds known stations and the alias table.
type Directory struct {
	stations map[string]Station
	aliases  map[string]string
}

// NewDirectory builds a directory. A nil alias table uses DefaultAliases.
func NewDirectory(stations []Station, aliases map[string]string) *Directory {
	if aliases == nil {
		aliases = DefaultAliases()
	}
	d := &Directory{
		stations: make(map[string]Station, len(stations)),
		aliases:  aliases,
	}
	for _, st := range stations {
		d.stations[st.ID] = st
	}
	return d
}

type directoryFile struct {
	Stations []Station         `json:"stations"`
	Aliases  map[string]string `json:"aliases"`
}

// LoadDirectory reads a JSON directory file. An empty path yields the
// built-in directory (default station plus aliases).
func LoadDirectory(path string) (*Directory, error) {
	if path == "" {
		return NewDirectory(builtinStations(), nil), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read station directory: %w", err)
	}
	var f directoryFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse station directory: %w", err)
	}
	return NewDirectory(f.Stations, f.Aliases), nil
}

func builtinStations() []Station {
	lat, lon := icaoCoordinates["LFPG"].Lat, icaoCoordinates["LFPG"].Lon
	return []Station{{ID: DefaultStationID, Name: "Paris-Charles de Gaulle", City: DefaultCity, ICAO: "LFPG", Lat: &lat, Lon: &lon}}
}

// Lookup returns a station by id.
func (d *Directory) Lookup(id string) (Station, bool) {
	st, ok := d.stations[id]
	return st, ok
}

// Canonical returns the physical station id observations are recorded under.
func (d *Directory) Canonical(s Scope) string {
	if alias, ok := d.aliases[s.id]; ok {
		return alias
	}
	return s.id
}

// Candidates returns the station ids to try, literal id first, then alias.
func (d *Directory) Candidates(s Scope) []string {
	out := make([]string, 0, 2)
	if s.id != "" {
		out = append(out, s.id)
	}
	if c := d.Canonical(s); c != "" && c != s.id {
		out = append(out, c)
	}
	return out
}

// City returns the city used for forecast snapshots of a scope.
func (d *Directory) City(s Scope) string {
	if st, ok := d.stations[d.Canonical(s)]; ok && st.City != "" {
		return st.City
	}
	if st, ok := d.stations[s.id]; ok && st.City != "" {
		return st.City
	}
	if d.isParisArea(s) {
		return DefaultCity
	}
	return s.id
}

func (d *Directory) isParisArea(s Scope) bool {
	return s.IsDefault() || d.Canonical(s) == DefaultStationID
}

// Coordinates resolves a scope to a point: station lat/lon, then its ICAO
// code, then geocoding of its city, then Paris for Paris-area aliases.
// ErrUnresolved means no point could be determined.
func (d *Directory) Coordinates(ctx context.Context, s Scope, g Geocoder) (Coordinates, error) {
	for _, id := range []string{s.id, d.Canonical(s)} {
		st, ok := d.stations[id]
		if !ok {
			continue
		}
		if st.Lat != nil && st.Lon != nil {
			return Coordinates{Lat: *st.Lat, Lon: *st.Lon}, nil
		}
		if c, ok := icaoCoordinates[strings.ToUpper(st.ICAO)]; ok {
			return c, nil
		}
	}
	if c, ok := icaoCoordinates[strings.ToUpper(s.id)]; ok {
		return c, nil
	}
	if g != nil {
		if city := d.City(s); city != "" {
			if c, err := g.Geocode(ctx, city); err == nil {
				return c, nil
			}
		}
	}
	if d.isParisArea(s) {
		return Paris, nil
	}
	return Coordinates{}, fmt.Errorf("%w: %q", ErrUnresolved, s.id)
}

// Resolver binds a directory to a geocoder.
type Resolver struct {
	Dir      *Directory
	Geocoder Geocoder
}

// Coordinates resolves s using the bound geocoder.
func (r Resolver) Coordinates(ctx context.Context, s Scope) (Coordinates, error) {
	return r.Dir.Coordinates(ctx, s, r.Geocoder)
}

// City returns the forecast city of s.
func (r Resolver) City(s Scope) string { return r.Dir.City(s) }
