// Package channels holds the static registry of monitored channels.
package channels

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Channel maps a short alias to a platform-specific channel reference.
type Channel struct {
	Alias string `yaml:"alias"` // e.g. GARANT
	Ref   string `yaml:"ref"`   // e.g. @obmen_kyiv or a Slack channel ID
}

// Username returns the reference without a leading @.
func (c Channel) Username() string {
	return strings.TrimPrefix(c.Ref, "@")
}

// Registry is an ordered, validated set of channels.
type Registry struct {
	channels []Channel
	byAlias  map[string]int
	byRef    map[string]int
}

// Defaults is the channel set used when nothing else is configured.
var Defaults = []Channel{
	{Alias: "MIRVALUTY", Ref: "@mirvaluty"},
	{Alias: "GARANT", Ref: "@obmen_kyiv"},
	{Alias: "KIT_GROUP", Ref: "@obmenka_kievua"},
	{Alias: "CHANGE_KYIV", Ref: "@kiev_change"},
	{Alias: "VALUTA_KIEV", Ref: "@valuta_kiev"},
	{Alias: "UACOIN", Ref: "@uacoin"},
	{Alias: "SWAPS", Ref: "@Obmen_usd"},
}

// New validates channels and builds a registry.
func New(list []Channel) (*Registry, error) {
	if len(list) == 0 {
		return nil, errors.New("no channels configured")
	}

	r := &Registry{
		byAlias: make(map[string]int, len(list)),
		byRef:   make(map[string]int, len(list)),
	}
	for _, c := range list {
		c.Alias = strings.ToUpper(strings.TrimSpace(c.Alias))
		c.Ref = strings.TrimSpace(c.Ref)
		if c.Alias == "" {
			return nil, fmt.Errorf("channel with ref %q has no alias", c.Ref)
		}
		if c.Ref == "" {
			return nil, fmt.Errorf("channel %s has no ref", c.Alias)
		}
		if _, dup := r.byAlias[c.Alias]; dup {
			return nil, fmt.Errorf("duplicate channel alias %s", c.Alias)
		}
		key := refKey(c.Ref)
		if _, dup := r.byRef[key]; dup {
			return nil, fmt.Errorf("duplicate channel ref %s", c.Ref)
		}

		r.byAlias[c.Alias] = len(r.channels)
		r.byRef[key] = len(r.channels)
		r.channels = append(r.channels, c)
	}

	return r, nil
}

// Default returns a registry of the built-in channels.
func Default() *Registry {
	r, err := New(Defaults)
	if err != nil {
		panic(err)
	}
	return r
}

// All returns the channels in configuration order.
func (r *Registry) All() []Channel {
	out := make([]Channel, len(r.channels))
	copy(out, r.channels)
	return out
}

// Aliases returns channel aliases in configuration order.
func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.channels))
	for _, c := range r.channels {
		out = append(out, c.Alias)
	}
	return out
}

// Lookup finds a channel by alias, case-insensitively.
func (r *Registry) Lookup(alias string) (Channel, bool) {
	i, ok := r.byAlias[strings.ToUpper(strings.TrimSpace(alias))]
	if !ok {
		return Channel{}, false
	}
	return r.channels[i], true
}

// ByRef finds a channel by its platform reference. A leading @ is optional.
func (r *Registry) ByRef(ref string) (Channel, bool) {
	i, ok := r.byRef[refKey(ref)]
	if !ok {
		return Channel{}, false
	}
	return r.channels[i], true
}

// Len returns the number of channels.
func (r *Registry) Len() int {
	return len(r.channels)
}

func refKey(ref string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ref), "@"))
}

// fileFormat accepts either a map of alias to ref or a list of channel entries.
type fileFormat struct {
	Channels yaml.Node `yaml:"channels"`
}

// Load reads a registry from a YAML file.
//
//	channels:
//	  GARANT: "@obmen_kyiv"
//
// or
//
//	channels:
//	  - alias: GARANT
//	    ref: "@obmen_kyiv"
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	return Parse(data)
}

// Parse decodes registry YAML.
func Parse(data []byte) (*Registry, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channels file: %w", err)
	}

	var list []Channel
	switch f.Channels.Kind {
	case yaml.MappingNode:
		var m map[string]string
		if err := f.Channels.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode channel map: %w", err)
		}
		aliases := make([]string, 0, len(m))
		for alias := range m {
			aliases = append(aliases, alias)
		}
		// Map order is lost in decoding; keep the file deterministic by alias.
		sort.Strings(aliases)
		for _, alias := range aliases {
			list = append(list, Channel{Alias: alias, Ref: m[alias]})
		}
	case yaml.SequenceNode:
		if err := f.Channels.Decode(&list); err != nil {
			return nil, fmt.Errorf("decode channel list: %w", err)
		}
	case 0:
		return nil, errors.New("channels file has no channels key")
	default:
		return nil, errors.New("channels must be a map or a list")
	}

	return New(list)
}

// ParseEnv decodes the ALIAS=@ref,ALIAS2=@ref2 form used by the CHANNELS variable.
func ParseEnv(value string) (*Registry, error) {
	var list []Channel
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		alias, ref, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("channel entry %q is not ALIAS=ref", part)
		}
		list = append(list, Channel{Alias: alias, Ref: ref})
	}
	return New(list)
}
