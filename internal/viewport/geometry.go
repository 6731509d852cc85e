package viewport

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/peterstace/simplefeatures/geom"
	"github.com/wroge/wgs84"

	"aegis/internal/model"
)

const (
	BoundsSource        = "bounds"
	BoundsFillLayer     = "bounds-fill"
	BoundsOutlineLayer  = "bounds-outline"
	EntitiesSource      = "entities"
	EntitiesCircleLayer = "entities-circle"
	LocatedSource       = "located"
	LocatedLayer        = "located-symbol"

	// tileSize is the pixel width of one zoom-0 world tile.
	tileSize = 512
	// mercatorExtent is half the width of the EPSG:3857 world in metres.
	mercatorExtent = 20037508.342789244
)

// BoundsRing returns the closed five-point ring of b.
func BoundsRing(b model.Bounds) []model.LngLat {
	return b.Corners()
}

// BoundsPolygon builds the overlay polygon for b. Degenerate bounds fail
// ring validation.
func BoundsPolygon(b model.Bounds) (geom.Polygon, error) {
	ring := BoundsRing(b)
	flat := make([]float64, 0, len(ring)*2)
	for _, c := range ring {
		flat = append(flat, c.Lng, c.Lat)
	}
	ls, err := geom.NewLineString(geom.NewSequence(flat, geom.DimXY))
	if err != nil {
		return geom.Polygon{}, fmt.Errorf("bounds ring: %w", err)
	}
	poly, err := geom.NewPolygon([]geom.LineString{ls})
	if err != nil {
		return geom.Polygon{}, fmt.Errorf("bounds polygon: %w", err)
	}
	return poly, nil
}

// PolygonRing reads the exterior ring of p back as coordinates.
func PolygonRing(p geom.Polygon) []model.LngLat {
	seq := p.ExteriorRing().Coordinates()
	out := make([]model.LngLat, seq.Length())
	for i := range out {
		xy := seq.GetXY(i)
		out[i] = model.LngLat{Lng: xy.X, Lat: xy.Y}
	}
	return out
}

// BoundsFeature encodes the overlay as a feature collection holding exactly
// one polygon.
func BoundsFeature(b model.Bounds) ([]byte, error) {
	poly, err := BoundsPolygon(b)
	if err != nil {
		return nil, err
	}
	fc := geom.GeoJSONFeatureCollection{
		{
			Geometry:   poly.AsGeometry(),
			Properties: map[string]interface{}{"kind": "bounds"},
		},
	}
	return json.Marshal(fc)
}

// EntitiesFeature encodes one point per entity. selectedID marks the
// currently selected entity, if any.
func EntitiesFeature(entities []model.Entity, selectedID string) ([]byte, error) {
	fc := make(geom.GeoJSONFeatureCollection, 0, len(entities))
	for _, e := range entities {
		pt, err := geom.NewPoint(geom.Coordinates{
			XY:   geom.XY{X: e.Position.Lng, Y: e.Position.Lat},
			Type: geom.DimXY,
		})
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", e.ID, err)
		}
		fc = append(fc, geom.GeoJSONFeature{
			Geometry: pt.AsGeometry(),
			ID:       e.ID,
			Properties: map[string]interface{}{
				"id":         e.ID,
				"name":       e.Name,
				"code_name":  e.CodeName,
				"heart_rate": e.HeartRate,
				"activity":   e.Activity,
				"steps":      e.Steps,
				"selected":   e.ID == selectedID && selectedID != "",
			},
		})
	}
	return json.Marshal(fc)
}

// LocationFeature encodes the latest ingested report as a single point.
func LocationFeature(loc model.Location) ([]byte, error) {
	pt, err := geom.NewPoint(geom.Coordinates{
		XY:   geom.XY{X: loc.Longitude, Y: loc.Latitude},
		Type: geom.DimXY,
	})
	if err != nil {
		return nil, fmt.Errorf("location: %w", err)
	}
	fc := geom.GeoJSONFeatureCollection{
		{
			Geometry: pt.AsGeometry(),
			Properties: map[string]interface{}{
				"identity":  loc.Identity,
				"source":    loc.Source,
				"timestamp": loc.Timestamp,
			},
		},
	}
	return json.Marshal(fc)
}

// LocatedLayers styles the LocatedSource overlay.
func LocatedLayers() []Layer {
	return []Layer{{
		ID:     LocatedLayer,
		Type:   "circle",
		Source: LocatedSource,
		Paint:  map[string]any{"circle-radius": 8, "circle-color": "#1e88e5"},
	}}
}

// BoundsFor derives the visible bounds of a width x height pixel canvas
// centred on center at zoom, using the Web Mercator projection. Canvases
// wider than the world are clamped to the antimeridian on both sides.
func BoundsFor(center model.LngLat, zoom float64, widthPx, heightPx int) model.Bounds {
	epsg := wgs84.EPSG()
	toMercator := epsg.Transform(4326, 3857)
	toLngLat := epsg.Transform(3857, 4326)

	cx, cy, _ := toMercator(center.Lng, center.Lat, 0)
	metersPerPixel := 2 * mercatorExtent / (tileSize * math.Pow(2, zoom))
	halfW := float64(widthPx) / 2 * metersPerPixel
	halfH := float64(heightPx) / 2 * metersPerPixel

	minY := math.Max(cy-halfH, -mercatorExtent)
	maxY := math.Min(cy+halfH, mercatorExtent)
	_, south, _ := toLngLat(0, minY, 0)
	_, north, _ := toLngLat(0, maxY, 0)

	return model.Bounds{
		West:  mercatorLng(cx - halfW),
		South: south,
		East:  mercatorLng(cx + halfW),
		North: north,
	}
}

// mercatorLng inverts the linear x axis of EPSG:3857. The inverse transform
// wraps at the extent, so x is clamped here rather than before projecting.
func mercatorLng(x float64) float64 {
	switch {
	case x <= -mercatorExtent:
		return -180
	case x >= mercatorExtent:
		return 180
	}
	return x / mercatorExtent * 180
}
