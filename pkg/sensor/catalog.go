package sensor

import (
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed sensors.yaml
var catalogData []byte

var ErrUnknownModel = errors.New("unknown camera model")

// Catalog maps hardware model strings, as reported by the capture engine,
// to sensor profiles.
type Catalog struct {
	profiles map[string]Profile
}

type catalogFile struct {
	Sensors map[string]Profile `yaml:"sensors"`
}

// LoadCatalog parses a YAML catalog and validates every profile in it.
func LoadCatalog(data []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse sensor catalog: %w", err)
	}

	c := Catalog{profiles: make(map[string]Profile, len(file.Sensors))}
	for model, profile := range file.Sensors {
		if profile.Name == "" {
			profile.Name = model
		}
		if err := profile.Validate(); err != nil {
			return nil, fmt.Errorf("invalid sensor %s: %w", model, err)
		}
		c.profiles[strings.ToLower(model)] = profile
	}

	return &c, nil
}

// DefaultCatalog returns the catalog compiled into the binary.
func DefaultCatalog() (*Catalog, error) {
	return LoadCatalog(catalogData)
}

// Lookup returns the profile for a model. Model names are case-insensitive.
func (c *Catalog) Lookup(model string) (Profile, error) {
	profile, ok := c.profiles[strings.ToLower(strings.TrimSpace(model))]
	if !ok {
		return Profile{}, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}
	return profile, nil
}

// Models lists the known model names in alphabetical order.
func (c *Catalog) Models() []string {
	models := make([]string, 0, len(c.profiles))
	for model := range c.profiles {
		models = append(models, model)
	}
	sort.Strings(models)
	return models
}
