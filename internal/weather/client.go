// Package weather talks to the Open-Meteo APIs: geocoding of city names, the
// historical archive used for long-run rain frequency, and the daily forecast
// cached as per-city snapshots.
package weather

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/kazylambist/meteo/internal/model"
	"github.com/kazylambist/meteo/internal/station"
)

var (
	ErrNoMatch  = errors.New("weather: no geocoding match")
	ErrUpstream = errors.New("weather: upstream error")
)

// Config holds the API endpoints.
type Config struct {
	ArchiveURL  string
	ForecastURL string
	GeocodeURL  string
	Timezone    string
	Timeout     time.Duration
}

// DefaultConfig returns the public Open-Meteo endpoints.
func DefaultConfig() Config {
	return Config{
		ArchiveURL:  "https://archive-api.open-meteo.com/v1/archive",
		ForecastURL: "https://api.open-meteo.com/v1/forecast",
		GeocodeURL:  "https://geocoding-api.open-meteo.com/v1/search",
		Timezone:    "Europe/Paris",
		Timeout:     15 * time.Second,
	}
}

// Client is an Open-Meteo HTTP client.
type Client struct {
	HTTP *http.Client
	cfg  Config
}

// NewClient creates a client. Empty endpoints fall back to the defaults.
func NewClient(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.ArchiveURL == "" {
		cfg.ArchiveURL = def.ArchiveURL
	}
	if cfg.ForecastURL == "" {
		cfg.ForecastURL = def.ForecastURL
	}
	if cfg.GeocodeURL == "" {
		cfg.GeocodeURL = def.GeocodeURL
	}
	if cfg.Timezone == "" {
		cfg.Timezone = def.Timezone
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Client{HTTP: &http.Client{Timeout: cfg.Timeout}, cfg: cfg}
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
		Country   string  `json:"country"`
	} `json:"results"`
}

// Geocode returns the coordinates of the best match for city.
func (c *Client) Geocode(ctx context.Context, city string) (station.Coordinates, error) {
	q := url.Values{}
	q.Set("name", city)
	q.Set("count", "1")
	q.Set("language", "fr")
	q.Set("format", "json")

	var resp geocodeResponse
	if err := c.getJSON(ctx, c.cfg.GeocodeURL, q, &resp); err != nil {
		return station.Coordinates{}, err
	}
	if len(resp.Results) == 0 {
		return station.Coordinates{}, fmt.Errorf("%w: %q", ErrNoMatch, city)
	}
	r := resp.Results[0]
	return station.Coordinates{Lat: r.Latitude, Lon: r.Longitude}, nil
}

type archiveResponse struct {
	Daily struct {
		Time             []string   `json:"time"`
		PrecipitationSum []*float64 `json:"precipitation_sum"`
	} `json:"daily"`
}

// DailyPrecipitation returns the archived daily precipitation sums over
// [from, to]. Days the archive reports as null are omitted.
func (c *Client) DailyPrecipitation(ctx context.Context, lat, lon float64, from, to time.Time) (map[string]float64, error) {
	q := c.coords(lat, lon, from, to)
	q.Set("daily", "precipitation_sum")

	var resp archiveResponse
	if err := c.getJSON(ctx, c.cfg.ArchiveURL, q, &resp); err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(resp.Daily.Time))
	for i, day := range resp.Daily.Time {
		if i < len(resp.Daily.PrecipitationSum) && resp.Daily.PrecipitationSum[i] != nil {
			out[day] = *resp.Daily.PrecipitationSum[i]
		}
	}
	return out, nil
}

type forecastResponse struct {
	Daily struct {
		Time               []string   `json:"time"`
		SunshineDuration   []*float64 `json:"sunshine_duration"`
		PrecipitationHours []*float64 `json:"precipitation_hours"`
		WeatherCode        []*int     `json:"weathercode"`
		TempMax            []*float64 `json:"temperature_2m_max"`
		TempMin            []*float64 `json:"temperature_2m_min"`
	} `json:"daily"`
}

// Daily returns one forecast entry per day over [from, to]. Sunshine is
// converted from seconds to hours.
func (c *Client) Daily(ctx context.Context, lat, lon float64, from, to time.Time) ([]model.ForecastDay, error) {
	q := c.coords(lat, lon, from, to)
	q.Set("daily", "sunshine_duration,precipitation_hours,weathercode,temperature_2m_max,temperature_2m_min")

	var resp forecastResponse
	if err := c.getJSON(ctx, c.cfg.ForecastURL, q, &resp); err != nil {
		return nil, err
	}
	dl := resp.Daily
	out := make([]model.ForecastDay, 0, len(dl.Time))
	for i, day := range dl.Time {
		out = append(out, model.ForecastDay{
			Date:      day,
			SunHours:  round2(valueAt(dl.SunshineDuration, i) / 3600),
			RainHours: round2(valueAt(dl.PrecipitationHours, i)),
			Code:      ptrAt(dl.WeatherCode, i),
			TMin:      ptrAt(dl.TempMin, i),
			TMax:      ptrAt(dl.TempMax, i),
		})
	}
	return out, nil
}

func (c *Client) coords(lat, lon float64, from, to time.Time) url.Values {
	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
	q.Set("longitude", strconv.FormatFloat(lon, 'f', 4, 64))
	q.Set("start_date", from.Format(model.DateLayout))
	q.Set("end_date", to.Format(model.DateLayout))
	q.Set("timezone", c.cfg.Timezone)
	return q
}

func (c *Client) getJSON(ctx context.Context, endpoint string, q url.Values, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d", ErrUpstream, endpoint, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode %s: %w", endpoint, err)
	}
	return nil
}

func valueAt(vs []*float64, i int) float64 {
	if i < len(vs) && vs[i] != nil {
		return *vs[i]
	}
	return 0
}

func ptrAt[T any](vs []*T, i int) *T {
	if i < len(vs) {
		return vs[i]
	}
	return nil
}

func round2(f float64) float64 {
	return math.Round(f*100) / 100
}
