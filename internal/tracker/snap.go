package tracker

import (
	"context"
	"errors"

	"googlemaps.github.io/maps"

	"github.com/example/ride-dispatch/internal/models"
)

// RoadsSnapper implements Snapper on the Google Roads API.
type RoadsSnapper struct {
	client *maps.Client
}

func NewRoadsSnapper(apiKey string) (*RoadsSnapper, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, err
	}
	return &RoadsSnapper{client: c}, nil
}

func (s *RoadsSnapper) Snap(ctx context.Context, c models.Coord) (models.Coord, error) {
	resp, err := s.client.SnapToRoad(ctx, &maps.SnapToRoadRequest{
		Path: []maps.LatLng{{Lat: c.Lat, Lng: c.Lon}},
	})
	if err != nil {
		return c, err
	}
	if len(resp.SnappedPoints) == 0 {
		return c, errors.New("no snapped points returned")
	}
	p := resp.SnappedPoints[0].Location
	return models.Coord{Lat: p.Lat, Lon: p.Lng}, nil
}
