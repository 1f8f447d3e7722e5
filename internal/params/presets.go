package params

import (
	"fmt"
	"sort"
	"strings"
)

var presets = map[string]EffectParameters{
	"neutral":  Defaults(),
	"robot":    {PitchSemitones: 5, SpeedFactor: 1.2, ReverbAmount: 0.3, EchoAmount: 0.5, DistortionAmount: 0.2},
	"deep":     {PitchSemitones: -5, SpeedFactor: 0.9, ReverbAmount: 0.1, EchoAmount: 0.2},
	"chipmunk": {PitchSemitones: 12, SpeedFactor: 1.1},
	"cave":     {PitchSemitones: -2, SpeedFactor: 1, ReverbAmount: 0.9, EchoAmount: 0.6},
}

// Preset looks up a built-in parameter set by case-insensitive name.
func Preset(name string) (EffectParameters, error) {
	p, ok := presets[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return EffectParameters{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidParameter, name)
	}
	return p, nil
}

// PresetNames returns the built-in preset names in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
