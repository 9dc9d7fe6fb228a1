package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gridguard/sentinel/internal/engine"
)

// httpDirectory resolves display names from the identity service. Misses and
// transport errors are soft failures; the engine falls back to "unknown".
type httpDirectory struct {
	base   string
	client *http.Client
}

func newDirectory() engine.IdentityDirectory {
	base := os.Getenv("SENTINEL_IDENTITY_URL")
	if base == "" {
		return noopDirectory{}
	}
	return &httpDirectory{base: base, client: &http.Client{Timeout: 3 * time.Second}}
}

func (d *httpDirectory) DisplayName(ctx context.Context, identity string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, d.base+"/v1/identities/"+identity, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity lookup status %d", resp.StatusCode)
	}
	var payload struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.DisplayName, nil
}

type noopDirectory struct{}

func (noopDirectory) DisplayName(context.Context, string) (string, error) {
	return "", fmt.Errorf("identity directory not configured")
}

// httpGeolocator resolves IPs via a geoip service. Without one configured,
// impossible-travel checks quietly skip.
type httpGeolocator struct {
	base   string
	client *http.Client
}

func newGeolocator() engine.Geolocator {
	base := os.Getenv("SENTINEL_GEOIP_URL")
	if base == "" {
		return noopGeolocator{}
	}
	return &httpGeolocator{base: base, client: &http.Client{Timeout: 3 * time.Second}}
}

func (g *httpGeolocator) Locate(ctx context.Context, ip string) (engine.GeoPoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.base+"/v1/locate/"+ip, nil)
	if err != nil {
		return engine.GeoPoint{}, err
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return engine.GeoPoint{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return engine.GeoPoint{}, fmt.Errorf("geoip lookup status %d", resp.StatusCode)
	}
	var pt engine.GeoPoint
	if err := json.NewDecoder(resp.Body).Decode(&pt); err != nil {
		return engine.GeoPoint{}, err
	}
	return pt, nil
}

type noopGeolocator struct{}

func (noopGeolocator) Locate(context.Context, string) (engine.GeoPoint, error) {
	return engine.GeoPoint{}, fmt.Errorf("geolocator not configured")
}
