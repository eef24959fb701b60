package classify

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/sirupsen/logrus"

	"latsched/internal/boost"
	"latsched/internal/sched"
)

type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

type ruleEntry struct {
	Prefix         string `yaml:"prefix"`
	Role           string `yaml:"role"`
	Lane           string `yaml:"lane"`
	ForegroundOnly bool   `yaml:"foreground_only"`
}

// DefaultRules covers common graphics, compositor, audio, network and input
// thread names.
func DefaultRules() []Rule {
	fg := func(prefix string, role sched.Role) Rule {
		return Rule{Prefix: prefix, Role: role, Lane: boost.LaneAny, ForegroundOnly: true}
	}
	shared := func(prefix string, role sched.Role) Rule {
		return Rule{Prefix: prefix, Role: role, Lane: boost.LaneAny}
	}
	return []Rule{
		// graphics submission
		fg("dxvk-", sched.RoleRender),
		fg("RenderT", sched.RoleRender),
		fg("vkd3", sched.RoleRender),
		fg("[vk", sched.RoleRender),
		fg("gpu", sched.RoleRender),
		fg("radv", sched.RoleRender),
		// compositors present frames for everyone
		shared("kwin", sched.RoleRender),
		shared("mutt", sched.RoleRender),
		shared("west", sched.RoleRender),
		shared("sway", sched.RoleRender),
		shared("Hypr", sched.RoleRender),
		shared("labw", sched.RoleRender),
		shared("Xway", sched.RoleRender),
		// system audio, then game audio
		shared("pipe", sched.RoleAudio),
		shared("pw-", sched.RoleAudio),
		shared("puls", sched.RoleAudio),
		shared("alsa", sched.RoleAudio),
		fg("Audio", sched.RoleAudio),
		fg("FMOD", sched.RoleAudio),
		fg("sound", sched.RoleAudio),
		// netcode
		fg("WebSock", sched.RoleNetwork),
		fg("UdpS", sched.RoleNetwork),
		fg("Rtc", sched.RoleNetwork),
		fg("HttpMan", sched.RoleNetwork),
		fg("IoS", sched.RoleNetwork),
		fg("net", sched.RoleNetwork),
		fg("Net", sched.RoleNetwork),
		fg("recv", sched.RoleNetwork),
		fg("send", sched.RoleNetwork),
		// input handlers
		fg("Input", sched.RoleInput),
		fg("Event", sched.RoleInput),
	}
}

// ParseRules decodes a YAML rule list.
func ParseRules(data []byte) ([]Rule, error) {
	var f ruleFile
	if err := yaml.UnmarshalWithOptions(data, &f, yaml.Strict()); err != nil {
		return nil, err
	}
	out := make([]Rule, 0, len(f.Rules))
	for i, e := range f.Rules {
		if e.Prefix == "" {
			return nil, fmt.Errorf("rule %d: empty prefix", i)
		}
		role, err := sched.ParseRole(e.Role)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, e.Prefix, err)
		}
		lane, err := boost.ParseLane(e.Lane)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, e.Prefix, err)
		}
		out = append(out, Rule{Prefix: e.Prefix, Role: role, Lane: lane, ForegroundOnly: e.ForegroundOnly})
	}
	return out, nil
}

// LoadRules reads a rule file; an empty path yields DefaultRules.
func LoadRules(path string) ([]Rule, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return nil, fmt.Errorf("parse rules %s: %w", path, err)
	}
	return rules, nil
}

// NewStandard builds a resolver over explicit tags, name rules and run-time
// patterns, in that order, and returns the layers the caller may drive.
func NewStandard(rules []Rule, log logrus.FieldLogger) (*Resolver, *Explicit, *Pattern) {
	x := NewExplicit()
	p := NewPattern(log)
	return NewResolver(log, x, NewNames(rules), p), x, p
}
