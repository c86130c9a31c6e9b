// README: Google Maps geocoding for ride requests that carry only an address.
package maps

import (
	"context"
	"errors"
	"fmt"

	"googlemaps.github.io/maps"

	"ridepool/internal/types"
)

var ErrNoResult = errors.New("address not found")

// Geocoder handles interactions with the Google Geocoding API.
type Geocoder struct {
	client   *maps.Client
	language string
	region   string
}

type Option func(*Geocoder)

// WithRegion biases results toward a ccTLD region, e.g. "TW".
func WithRegion(region, language string) Option {
	return func(g *Geocoder) {
		g.region = region
		g.language = language
	}
}

// NewGeocoder creates a Geocoder with the given API key. Extra client options
// (for instance maps.WithBaseURL in tests) are passed through.
func NewGeocoder(apiKey string, opts []Option, clientOpts ...maps.ClientOption) (*Geocoder, error) {
	clientOpts = append([]maps.ClientOption{maps.WithAPIKey(apiKey)}, clientOpts...)
	client, err := maps.NewClient(clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	g := &Geocoder{client: client, language: "zh-TW", region: "TW"}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Geocode returns the first result's location.
func (g *Geocoder) Geocode(ctx context.Context, address string) (types.Point, error) {
	if address == "" {
		return types.Point{}, ErrNoResult
	}
	results, err := g.client.Geocode(ctx, &maps.GeocodingRequest{
		Address:  address,
		Language: g.language,
		Region:   g.region,
	})
	if err != nil {
		return types.Point{}, fmt.Errorf("geocoding api error: %w", err)
	}
	if len(results) == 0 {
		return types.Point{}, ErrNoResult
	}
	loc := results[0].Geometry.Location
	return types.Point{Lat: loc.Lat, Lng: loc.Lng}, nil
}
