package api

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Validator - интерфейс, который могут реализовать DTO
type Validator interface {
	Validate() error
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func unit(name string, v float64) error {
	if !finite(v) || v < 0 || v > 1 {
		return fmt.Errorf("%s must be within [0,1]", name)
	}
	return nil
}

func (p InitPayload) Validate() error {
	if strings.TrimSpace(p.MapID) == "" {
		return errors.New("mapId is required")
	}
	if strings.TrimSpace(p.CallerID) == "" {
		return errors.New("callerId is required")
	}
	if !finite(p.X) || !finite(p.Y) {
		return errors.New("position must be finite")
	}
	return nil
}

func (p PositionPayload) Validate() error {
	if !finite(p.X) || !finite(p.Y) {
		return errors.New("position must be finite")
	}
	return nil
}

func (p VisionPayload) Validate() error {
	if !finite(p.Radius) || p.Radius < 0 {
		return errors.New("radius cannot be negative")
	}
	for _, s := range p.Senses {
		if !finite(s.Radius) || s.Radius <= 0 {
			return fmt.Errorf("sense %q radius must be positive", s.Mode)
		}
	}
	return nil
}

func (p FactorsPayload) Validate() error {
	if err := unit("qualityScore", p.QualityScore); err != nil {
		return err
	}
	if err := unit("durationScore", p.DurationScore); err != nil {
		return err
	}
	return unit("detailScore", p.DetailScore)
}

func (p AreaPayload) Validate() error {
	switch p.Shape {
	case "circle", "square":
		if !finite(p.Radius) || p.Radius <= 0 {
			return fmt.Errorf("radius must be positive for %s", p.Shape)
		}
	case "polygon":
		if len(p.Points) < 3 {
			return errors.New("polygon requires at least 3 points")
		}
	default:
		return fmt.Errorf("unknown shape %q", p.Shape)
	}
	return unit("opacity", p.Opacity)
}

func (p IDPayload) Validate() error {
	if strings.TrimSpace(p.ID) == "" {
		return errors.New("id is required")
	}
	return nil
}

func (p LightPayload) Validate() error {
	if !finite(p.Radius) || p.Radius <= 0 {
		return errors.New("radius must be positive")
	}
	if err := unit("intensity", p.Intensity); err != nil {
		return err
	}
	return unit("flickerIntensity", p.FlickerIntensity)
}

func (p AmbientPayload) Validate() error {
	return unit("ambient", p.Ambient)
}

func (p ObstaclePayload) Validate() error {
	if !finite(p.Width) || !finite(p.Height) || p.Width <= 0 || p.Height <= 0 {
		return errors.New("obstacle size must be positive")
	}
	if p.Kind == "" {
		return errors.New("kind is required")
	}
	if p.Opacity != nil {
		return unit("opacity", *p.Opacity)
	}
	return nil
}
