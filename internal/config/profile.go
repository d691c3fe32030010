package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"tourplan/internal/model"
)

// Profile is the YAML planning profile. Every field is optional.
//
//	chain: [vroom, osrm, local]
//	defaultStart: "07:30"
//	dispatch:
//	  policy: scored
//	  weights: {load: 1, distance: 0.5, duration: 0.25}
type Profile struct {
	Chain        []string         `yaml:"chain"`
	DefaultStart *model.TimeOfDay `yaml:"defaultStart"`
	Dispatch     *ProfileDispatch `yaml:"dispatch"`
}

type ProfileDispatch struct {
	Policy  string          `yaml:"policy"`
	Weights *ProfileWeights `yaml:"weights"`
}

type ProfileWeights struct {
	Load     *float64 `yaml:"load"`
	Distance *float64 `yaml:"distance"`
	Duration *float64 `yaml:"duration"`
}

func ParseProfile(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("parse profile: %w", err)
	}
	return p, nil
}

func (c *Config) applyProfileFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read profile %s: %w", path, err)
	}
	p, err := ParseProfile(data)
	if err != nil {
		return err
	}
	c.ApplyProfile(p)
	return nil
}

// ApplyProfile overlays p on c, skipping settings given explicitly in the
// environment.
func (c *Config) ApplyProfile(p Profile) {
	if len(p.Chain) > 0 && !envSet("TOURPLAN_OPTIMIZER_CHAIN") {
		c.Optimizer.Chain = append([]string(nil), p.Chain...)
	}
	if p.DefaultStart != nil && !envSet("TOURPLAN_DEFAULT_START") {
		c.Optimizer.DefaultStart = *p.DefaultStart
	}
	if p.Dispatch == nil {
		return
	}
	if p.Dispatch.Policy != "" && !envSet("TOURPLAN_DISPATCH_POLICY") {
		c.Dispatch.Policy = p.Dispatch.Policy
	}
	if w := p.Dispatch.Weights; w != nil {
		if w.Load != nil && !envSet("TOURPLAN_DISPATCH_LOAD_WEIGHT") {
			c.Dispatch.LoadWeight = *w.Load
		}
		if w.Distance != nil && !envSet("TOURPLAN_DISPATCH_DISTANCE_WEIGHT") {
			c.Dispatch.DistanceWeight = *w.Distance
		}
		if w.Duration != nil && !envSet("TOURPLAN_DISPATCH_DURATION_WEIGHT") {
			c.Dispatch.DurationWeight = *w.Duration
		}
	}
}

func envSet(key string) bool {
	_, ok := lookupEnv(key)
	return ok
}
