// README: Request body types and the custom binding validators they use.
package handlers

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"emsdispatch/internal/types"
)

// RegisterValidators installs the lat/lng/radius_km tags on gin's validator engine.
func RegisterValidators() error {
	v, ok := binding.Validator.Engine().(*validator.Validate)
	if !ok {
		return fmt.Errorf("unexpected validator engine %T", binding.Validator.Engine())
	}
	for tag, fn := range map[string]validator.Func{
		"lat":       validateLat,
		"lng":       validateLng,
		"radius_km": validateRadiusKm,
	} {
		if err := v.RegisterValidation(tag, fn); err != nil {
			return fmt.Errorf("register %s: %w", tag, err)
		}
	}
	return nil
}

func validateLat(fl validator.FieldLevel) bool {
	lat := fl.Field().Float()
	return lat >= -90 && lat <= 90
}

func validateLng(fl validator.FieldLevel) bool {
	lng := fl.Field().Float()
	return lng >= -180 && lng <= 180
}

func validateRadiusKm(fl validator.FieldLevel) bool {
	r := fl.Field().Float()
	return r > 0 && r <= 100
}

// pointBody uses pointers so that 0,0 is distinguishable from a missing coordinate.
type pointBody struct {
	Lat *float64 `json:"lat" binding:"required,lat"`
	Lng *float64 `json:"lng" binding:"required,lng"`
}

func (p pointBody) point() types.Point {
	return types.Point{Lat: *p.Lat, Lng: *p.Lng}
}

// sampleBody is a coordinate with optional accuracy (meters) and device timestamp.
type sampleBody struct {
	pointBody
	Accuracy  *float64   `json:"accuracy" binding:"omitempty,gte=0"`
	Timestamp *time.Time `json:"timestamp"`
}

func (s sampleBody) at() time.Time {
	if s.Timestamp == nil {
		return time.Time{}
	}
	return *s.Timestamp
}
