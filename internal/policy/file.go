package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/alfredjeanlab/outreach/internal/model"
)

// RuleConfig is one rule as written in a policy file. Unset fields inherit
// from the [default] table.
type RuleConfig struct {
	Start    *Clock   `toml:"start"`
	End      *Clock   `toml:"end"`
	Weekdays []string `toml:"weekdays"`
	DailyCap *int     `toml:"daily_cap"`
}

// FileConfig is the TOML policy file layout:
//
//	[default]
//	start = "08:00"
//	end = "18:00"
//	weekdays = ["weekdays"]
//
//	[channels.email]
//	daily_cap = 200
type FileConfig struct {
	Default  RuleConfig            `toml:"default"`
	Channels map[string]RuleConfig `toml:"channels"`
}

// LoadFile decodes a policy file. Unknown keys are rejected.
func LoadFile(path string) (*FileConfig, error) {
	var cfg FileConfig
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("policy file %s: unknown keys: %s", path, strings.Join(keys, ", "))
	}
	return &cfg, nil
}

// Resolve merges cfg over base into a default rule and per-channel rules.
func (cfg *FileConfig) Resolve(base Rule) (Rule, map[model.Channel]Rule, error) {
	def, err := cfg.Default.apply(base)
	if err != nil {
		return Rule{}, nil, fmt.Errorf("default: %w", err)
	}
	rules := make(map[model.Channel]Rule, len(cfg.Channels))
	for name, rc := range cfg.Channels {
		ch := model.Channel(strings.ToLower(name))
		if !ch.IsValid() {
			return Rule{}, nil, fmt.Errorf("unknown channel %q", name)
		}
		r, err := rc.apply(def)
		if err != nil {
			return Rule{}, nil, fmt.Errorf("channels.%s: %w", name, err)
		}
		rules[ch] = r
	}
	return def, rules, nil
}

func (rc RuleConfig) apply(base Rule) (Rule, error) {
	r := base
	if rc.Start != nil {
		r.Window.Start = *rc.Start
	}
	if rc.End != nil {
		r.Window.End = *rc.End
	}
	if len(rc.Weekdays) > 0 {
		days, err := ParseWeekdays(rc.Weekdays)
		if err != nil {
			return Rule{}, err
		}
		r.Window.Weekdays = days
	}
	if rc.DailyCap != nil {
		if *rc.DailyCap < 0 {
			return Rule{}, fmt.Errorf("daily_cap must not be negative")
		}
		r.DailyCap = *rc.DailyCap
	}
	return r, nil
}
