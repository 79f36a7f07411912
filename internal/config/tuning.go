package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical rig defaults file. It is the
// single source of truth for default tuning values shipped with the binary.
const DefaultConfigPath = "config/rig.defaults.json"

// TuningConfig holds every tunable parameter of the rig runtime. All fields
// are pointers so a partial JSON file only overrides what it names; the Get*
// accessors supply the defaults for anything left nil.
type TuningConfig struct {
	// Pressure classifier thresholds (sensor units). Low below the first,
	// High above the second, Medium in between (inclusive).
	PressureLowThreshold  *float64 `json:"pressure_low_threshold,omitempty"`
	PressureHighThreshold *float64 `json:"pressure_high_threshold,omitempty"`

	// Distance engine params (metres)
	MaxDistance              *float64 `json:"max_distance,omitempty"`
	SurfaceHitOffset         *float64 `json:"surface_hit_offset,omitempty"`
	ObjectHitOffset          *float64 `json:"object_hit_offset,omitempty"`
	DistanceShorteningAmount *float64 `json:"distance_shortening_amount,omitempty"`
	SmoothSettlingTime       *string  `json:"smooth_settling_time,omitempty"` // duration string like "80ms"

	// Pen link params
	SendInterval *string `json:"send_interval,omitempty"` // minimum wall-clock gap between M commands
	BaudRate     *int    `json:"baud_rate,omitempty"`

	// Trial sequencing params
	FastMode            *bool   `json:"fast_mode,omitempty"`
	DelayBetween        *string `json:"delay_between,omitempty"`
	BlinkCount          *int    `json:"blink_count,omitempty"`
	PacingHold          *string `json:"pacing_hold,omitempty"`
	FallbackPacingDelay *string `json:"fallback_pacing_delay,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrBool(v bool) *bool          { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }

// EmptyTuningConfig returns a TuningConfig with all fields nil so every
// accessor falls back to its built-in default.
func EmptyTuningConfig() *TuningConfig {
	return &TuningConfig{}
}

// DefaultTuningConfig returns a TuningConfig with every field explicitly set
// to its default value. Useful for serialising a complete defaults file.
func DefaultTuningConfig() *TuningConfig {
	return &TuningConfig{
		PressureLowThreshold:     ptrFloat64(0.1),
		PressureHighThreshold:    ptrFloat64(0.5),
		MaxDistance:              ptrFloat64(0.2),
		SurfaceHitOffset:         ptrFloat64(0),
		ObjectHitOffset:          ptrFloat64(0),
		DistanceShorteningAmount: ptrFloat64(0.005),
		SmoothSettlingTime:       ptrString("80ms"),
		SendInterval:             ptrString("50ms"),
		BaudRate:                 ptrInt(115200),
		FastMode:                 ptrBool(false),
		DelayBetween:             ptrString("750ms"),
		BlinkCount:               ptrInt(3),
		PacingHold:               ptrString("1s"),
		FallbackPacingDelay:      ptrString("1500ms"),
	}
}

// LoadTuningConfig loads a TuningConfig from a JSON file. Fields omitted from
// the file retain their defaults, so partial configs are safe.
func LoadTuningConfig(path string) (*TuningConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyTuningConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that configured values are usable.
func (c *TuningConfig) Validate() error {
	if c.PressureLowThreshold != nil && c.PressureHighThreshold != nil {
		if *c.PressureLowThreshold >= *c.PressureHighThreshold {
			return fmt.Errorf("pressure_low_threshold (%f) must be below pressure_high_threshold (%f)",
				*c.PressureLowThreshold, *c.PressureHighThreshold)
		}
	}

	if c.MaxDistance != nil && *c.MaxDistance <= 0 {
		return fmt.Errorf("max_distance must be positive, got %f", *c.MaxDistance)
	}

	if c.DistanceShorteningAmount != nil && *c.DistanceShorteningAmount < 0 {
		return fmt.Errorf("distance_shortening_amount must be non-negative, got %f", *c.DistanceShorteningAmount)
	}

	if c.BlinkCount != nil && *c.BlinkCount < 0 {
		return fmt.Errorf("blink_count must be non-negative, got %d", *c.BlinkCount)
	}

	if c.BaudRate != nil && *c.BaudRate <= 0 {
		return fmt.Errorf("baud_rate must be positive, got %d", *c.BaudRate)
	}

	for name, v := range map[string]*string{
		"smooth_settling_time":  c.SmoothSettlingTime,
		"send_interval":         c.SendInterval,
		"delay_between":         c.DelayBetween,
		"pacing_hold":           c.PacingHold,
		"fallback_pacing_delay": c.FallbackPacingDelay,
	} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
			}
		}
	}

	return nil
}

func (c *TuningConfig) durationOrDefault(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def
	}
	return d
}

// GetPressureLowThreshold returns the pressure_low_threshold value or the default.
func (c *TuningConfig) GetPressureLowThreshold() float64 {
	if c.PressureLowThreshold == nil {
		return 0.1
	}
	return *c.PressureLowThreshold
}

// GetPressureHighThreshold returns the pressure_high_threshold value or the default.
func (c *TuningConfig) GetPressureHighThreshold() float64 {
	if c.PressureHighThreshold == nil {
		return 0.5
	}
	return *c.PressureHighThreshold
}

// GetMaxDistance returns the max_distance value or the default.
func (c *TuningConfig) GetMaxDistance() float64 {
	if c.MaxDistance == nil {
		return 0.2
	}
	return *c.MaxDistance
}

// GetSurfaceHitOffset returns the surface_hit_offset value or the default.
func (c *TuningConfig) GetSurfaceHitOffset() float64 {
	if c.SurfaceHitOffset == nil {
		return 0
	}
	return *c.SurfaceHitOffset
}

// GetObjectHitOffset returns the object_hit_offset value or the default.
func (c *TuningConfig) GetObjectHitOffset() float64 {
	if c.ObjectHitOffset == nil {
		return 0
	}
	return *c.ObjectHitOffset
}

// GetDistanceShorteningAmount returns the distance_shortening_amount value or the default.
func (c *TuningConfig) GetDistanceShorteningAmount() float64 {
	if c.DistanceShorteningAmount == nil {
		return 0.005
	}
	return *c.DistanceShorteningAmount
}

// GetSmoothSettlingTime parses and returns the smoothing settling time.
func (c *TuningConfig) GetSmoothSettlingTime() time.Duration {
	return c.durationOrDefault(c.SmoothSettlingTime, 80*time.Millisecond)
}

// GetSendInterval parses and returns the minimum gap between distance commands.
func (c *TuningConfig) GetSendInterval() time.Duration {
	return c.durationOrDefault(c.SendInterval, 50*time.Millisecond)
}

// GetBaudRate returns the baud_rate value or the default.
func (c *TuningConfig) GetBaudRate() int {
	if c.BaudRate == nil {
		return 115200
	}
	return *c.BaudRate
}

// GetFastMode returns the fast_mode value or the default.
func (c *TuningConfig) GetFastMode() bool {
	if c.FastMode == nil {
		return false
	}
	return *c.FastMode
}

// GetDelayBetween parses and returns the inter-presentation delay.
func (c *TuningConfig) GetDelayBetween() time.Duration {
	return c.durationOrDefault(c.DelayBetween, 750*time.Millisecond)
}

// GetBlinkCount returns the blink_count value or the default.
func (c *TuningConfig) GetBlinkCount() int {
	if c.BlinkCount == nil {
		return 3
	}
	return *c.BlinkCount
}

// GetPacingHold parses and returns the hold duration at the pacing end marker.
func (c *TuningConfig) GetPacingHold() time.Duration {
	return c.durationOrDefault(c.PacingHold, time.Second)
}

// GetFallbackPacingDelay parses and returns the fixed delay used when no
// pacing collaborator is wired.
func (c *TuningConfig) GetFallbackPacingDelay() time.Duration {
	return c.durationOrDefault(c.FallbackPacingDelay, 1500*time.Millisecond)
}
