// Package sensor describes the calibration data of the camera sensors the
// driver knows how to operate.
package sensor

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// BayerOffset is the phase of the colour filter mosaic relative to the
// top left pixel. See the ASCOM ICameraV3 SensorType documentation:
//
//	X=0 Y=0 RGGB
//	X=1 Y=0 GRBG
//	X=0 Y=1 GBRG
//	X=1 Y=1 BGGR
type BayerOffset struct {
	X int
	Y int
}

var bayerPatterns = map[string]BayerOffset{
	"rggb": {0, 0},
	"grbg": {1, 0},
	"gbrg": {0, 1},
	"bggr": {1, 1},
}

// ParseBayerPattern converts a pattern name such as "BGGR" into its offset.
func ParseBayerPattern(name string) (BayerOffset, error) {
	offset, ok := bayerPatterns[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return BayerOffset{}, fmt.Errorf("invalid bayer pattern %q", name)
	}
	return offset, nil
}

func (b *BayerOffset) UnmarshalYAML(value *yaml.Node) error {
	var name string
	if err := value.Decode(&name); err != nil {
		return err
	}
	offset, err := ParseBayerPattern(name)
	if err != nil {
		return err
	}
	*b = offset
	return nil
}

// PerGain is a calibration value that is either constant (one element) or
// indexed by the analogue gain.
type PerGain []float64

// At returns the value for the given gain. Out of range gains are clamped.
func (p PerGain) At(gain int) float64 {
	switch {
	case len(p) == 0:
		return 0
	case len(p) == 1 || gain < 0:
		return p[0]
	case gain >= len(p):
		return p[len(p)-1]
	}
	return p[gain]
}

// UnmarshalYAML accepts either a scalar or a sequence.
func (p *PerGain) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		var v float64
		if err := value.Decode(&v); err != nil {
			return err
		}
		*p = PerGain{v}
		return nil
	}

	var values []float64
	if err := value.Decode(&values); err != nil {
		return err
	}
	*p = values
	return nil
}

// Profile is the static description of a sensor model. Profiles are selected
// once at startup and never mutated.
type Profile struct {
	Name             string      `yaml:"name"`
	SizeX            int         `yaml:"size_x"`
	SizeY            int         `yaml:"size_y"`
	BitsPerPixel     int         `yaml:"bits_per_pixel"` // common to every binning mode
	MaxBinning       int         `yaml:"max_binning"`
	PixelSize        float64     `yaml:"pixel_size"` // microns
	MinGain          int         `yaml:"min_gain"`
	MaxGain          int         `yaml:"max_gain"`
	MinExposure      float64     `yaml:"min_exposure"` // seconds
	MaxExposure      float64     `yaml:"max_exposure"` // seconds
	ElectronsPerADU  PerGain     `yaml:"electrons_per_adu"`
	FullWellCapacity PerGain     `yaml:"full_well_capacity"`
	RawFormat        string      `yaml:"raw_format"` // unpacked raw format requested from the engine
	Bayer            BayerOffset `yaml:"bayer_pattern"`
}

// Validate checks the internal consistency of the profile.
func (p Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("sensor name is empty")
	}
	if p.SizeX <= 0 || p.SizeY <= 0 {
		return fmt.Errorf("%s: invalid resolution %dx%d", p.Name, p.SizeX, p.SizeY)
	}
	if p.BitsPerPixel <= 0 || p.BitsPerPixel > 16 {
		return fmt.Errorf("%s: bits per pixel must be in [1, 16], got %d", p.Name, p.BitsPerPixel)
	}
	if p.MaxBinning < 1 {
		return fmt.Errorf("%s: max binning must be at least 1", p.Name)
	}
	if p.MinGain > p.MaxGain {
		return fmt.Errorf("%s: min gain %d above max gain %d", p.Name, p.MinGain, p.MaxGain)
	}
	if p.MinExposure < 0 || p.MinExposure > p.MaxExposure {
		return fmt.Errorf("%s: invalid exposure range [%g, %g]", p.Name, p.MinExposure, p.MaxExposure)
	}
	if p.RawFormat == "" {
		return fmt.Errorf("%s: raw format is empty", p.Name)
	}

	for field, values := range map[string]PerGain{
		"electrons_per_adu":  p.ElectronsPerADU,
		"full_well_capacity": p.FullWellCapacity,
	} {
		if len(values) == 0 {
			return fmt.Errorf("%s: %s is missing", p.Name, field)
		}
		if len(values) > 1 && len(values) < p.MaxGain+1 {
			return fmt.Errorf("%s: %s has %d entries, need at least %d", p.Name, field, len(values), p.MaxGain+1)
		}
	}

	return nil
}

// MaxADU is the largest raw sample value the sensor produces.
func (p Profile) MaxADU() int {
	return (1 << p.BitsPerPixel) - 1
}

// BinnedSize returns the raw frame size for the given binning factor.
func (p Profile) BinnedSize(binning int) (int, int) {
	if binning < 1 {
		binning = 1
	}
	return p.SizeX / binning, p.SizeY / binning
}
