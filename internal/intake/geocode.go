package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/waste-dispatch/internal/models"
)

// Geocoder resolves a free-form address to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, address string) (models.Coord, string, error)
}

var ErrAddressNotFound = errors.New("address not found")

// GoogleGeocoder uses the Google Maps Geocoding API, biased to Kenya.
type GoogleGeocoder struct {
	APIKey  string
	BaseURL string
	Client  *http.Client
}

func NewGoogleGeocoder(apiKey string) *GoogleGeocoder {
	return &GoogleGeocoder{
		APIKey:  apiKey,
		BaseURL: "https://maps.googleapis.com/maps/api/geocode/json",
		Client:  &http.Client{Timeout: 5 * time.Second},
	}
}

type googleGeocodeResponse struct {
	Results []struct {
		FormattedAddress string `json:"formatted_address"`
		Geometry         struct {
			Location struct {
				Lat float64 `json:"lat"`
				Lng float64 `json:"lng"`
			} `json:"location"`
		} `json:"geometry"`
	} `json:"results"`
	Status string `json:"status"`
}

// Geocode returns the first match and its formatted address.
func (g *GoogleGeocoder) Geocode(ctx context.Context, address string) (models.Coord, string, error) {
	params := url.Values{}
	params.Add("address", address)
	params.Add("region", "ke")
	params.Add("key", g.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return models.Coord{}, "", err
	}
	resp, err := g.Client.Do(req)
	if err != nil {
		return models.Coord{}, "", fmt.Errorf("geocode request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return models.Coord{}, "", fmt.Errorf("geocode status code %d", resp.StatusCode)
	}

	var result googleGeocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return models.Coord{}, "", fmt.Errorf("decode geocode response: %w", err)
	}
	switch {
	case result.Status == "ZERO_RESULTS", result.Status == "OK" && len(result.Results) == 0:
		return models.Coord{}, "", ErrAddressNotFound
	case result.Status != "OK":
		return models.Coord{}, "", fmt.Errorf("geocoding API returned status: %s", result.Status)
	}
	first := result.Results[0]
	return models.Coord{Lat: first.Geometry.Location.Lat, Lon: first.Geometry.Location.Lng}, first.FormattedAddress, nil
}
