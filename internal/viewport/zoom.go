package viewport

import "aegis/internal/config"

// Constants relate the overview zoom to the primary zoom.
type Constants struct {
	ZoomOffset float64
	MinZoom    float64
	MaxZoom    float64
}

func DefaultConstants() Constants {
	return Constants{ZoomOffset: 4, MinZoom: 8, MaxZoom: 16}
}

func ConstantsFrom(cfg config.ViewportConfig) Constants {
	c := Constants{ZoomOffset: cfg.ZoomOffset, MinZoom: cfg.MinZoom, MaxZoom: cfg.MaxZoom}
	if c.MinZoom == 0 && c.MaxZoom == 0 {
		return DefaultConstants()
	}
	return c
}

// OverviewZoom is clamp(primary - offset, min, max).
func (c Constants) OverviewZoom(primary float64) float64 {
	z := primary - c.ZoomOffset
	if z < c.MinZoom {
		return c.MinZoom
	}
	if z > c.MaxZoom {
		return c.MaxZoom
	}
	return z
}
