// Package classes describes the ordered set of semantic classes a model
// predicts. A class's ID is its index in Names.
package classes

import (
	"fmt"
	"image/color"
	"os"
	"strconv"
	"strings"

	"golang.org/x/image/colornames"
	"gopkg.in/yaml.v3"
)

// DefaultNullClass is the name used when a null class is added implicitly.
const DefaultNullClass = "null"

// nullColor is the color given to an implicitly added null class.
const nullColor = "black"

// palette colors classes that were configured without one.
var palette = []string{
	"red", "green", "blue", "yellow", "cyan", "magenta", "orange",
	"purple", "brown", "pink", "olive", "navy", "teal", "maroon",
	"lime", "gray",
}

// Config is an ordered list of class names with display colors and an
// optional null class (the class for "no label").
type Config struct {
	Names     []string `yaml:"names" json:"names"`
	Colors    []string `yaml:"colors,omitempty" json:"colors,omitempty"`
	NullClass string   `yaml:"null_class,omitempty" json:"null_class,omitempty"`
}

// New returns a config with the given class names and no colors.
func New(names ...string) *Config {
	return &Config{Names: append([]string(nil), names...)}
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	return &Config{
		Names:     append([]string(nil), c.Names...),
		Colors:    append([]string(nil), c.Colors...),
		NullClass: c.NullClass,
	}
}

// Load reads a YAML (or JSON) class config from a local file and fills in
// defaults with Update.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading class config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML (or JSON) class config and fills in defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing class config: %w", err)
	}
	if err := cfg.Update(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Update fills in missing colors from the fixed palette and appends the
// configured null class when it is not one of Names.
func (c *Config) Update() error {
	if len(c.Colors) > len(c.Names) {
		return fmt.Errorf("class config has %d colors for %d classes", len(c.Colors), len(c.Names))
	}
	for i := len(c.Colors); i < len(c.Names); i++ {
		c.Colors = append(c.Colors, palette[i%len(palette)])
	}
	if c.NullClass != "" && c.ID(c.NullClass) < 0 {
		c.Names = append(c.Names, c.NullClass)
		c.Colors = append(c.Colors, nullColor)
	}
	return c.Validate()
}

// EnsureNullClass makes sure a null class exists. An existing class named
// "null" is adopted; otherwise one is appended with color black.
func (c *Config) EnsureNullClass() {
	if c.NullClass != "" {
		return
	}
	if c.ID(DefaultNullClass) < 0 {
		c.Names = append(c.Names, DefaultNullClass)
		if len(c.Colors) > 0 {
			c.Colors = append(c.Colors, nullColor)
		}
	}
	c.NullClass = DefaultNullClass
}

// NullClassID returns the ID of the null class, or -1 if there is none.
func (c *Config) NullClassID() int {
	if c.NullClass == "" {
		return -1
	}
	return c.ID(c.NullClass)
}

// ID returns the ID of the named class, or -1.
func (c *Config) ID(name string) int {
	for i, n := range c.Names {
		if n == name {
			return i
		}
	}
	return -1
}

// Name returns the name of class id, or "" when out of range.
func (c *Config) Name(id int) string {
	if id < 0 || id >= len(c.Names) {
		return ""
	}
	return c.Names[id]
}

// Len returns the number of classes, including the null class.
func (c *Config) Len() int {
	return len(c.Names)
}

// Validate checks names are non-empty and unique, that colors parse and
// that the null class, if set, is a known class.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Names) == 0 {
		errs = append(errs, "at least one class name is required")
	}

	seen := make(map[string]bool, len(c.Names))
	for i, n := range c.Names {
		if strings.TrimSpace(n) == "" {
			errs = append(errs, fmt.Sprintf("class %d has an empty name", i))
			continue
		}
		if seen[n] {
			errs = append(errs, fmt.Sprintf("duplicate class name %q", n))
		}
		seen[n] = true
	}

	if len(c.Colors) > 0 && len(c.Colors) != len(c.Names) {
		errs = append(errs, fmt.Sprintf("got %d colors for %d classes", len(c.Colors), len(c.Names)))
	}
	for _, col := range c.Colors {
		if _, err := ParseColor(col); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if c.NullClass != "" && !seen[c.NullClass] {
		errs = append(errs, fmt.Sprintf("null class %q is not a class name", c.NullClass))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid class config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// ColorToID maps each class color to its class ID. When two classes share a
// color the lower ID wins.
func (c *Config) ColorToID() (map[color.RGBA]int, error) {
	out := make(map[color.RGBA]int, len(c.Colors))
	for id, col := range c.Colors {
		rgba, err := ParseColor(col)
		if err != nil {
			return nil, err
		}
		if _, exists := out[rgba]; !exists {
			out[rgba] = id
		}
	}
	return out, nil
}

// ParseColor accepts "#rrggbb", "#rgb" or an SVG color name.
func ParseColor(s string) (color.RGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if named, ok := colornames.Map[s]; ok {
		return named, nil
	}

	hex := strings.TrimPrefix(s, "#")
	if len(hex) == 3 {
		hex = string([]byte{hex[0], hex[0], hex[1], hex[1], hex[2], hex[2]})
	}
	if len(hex) != 6 {
		return color.RGBA{}, fmt.Errorf("unrecognized color %q", s)
	}

	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.RGBA{}, fmt.Errorf("unrecognized color %q", s)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}
