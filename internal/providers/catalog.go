package providers

import (
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
)

// Capability classifies what a model profile can do.
type Capability string

const (
	CapabilityChat      Capability = "chat"
	CapabilityVision    Capability = "vision"
	CapabilityEmbedding Capability = "embedding"
	CapabilityImage     Capability = "image"
)

// knownCapabilities lists every capability a default can be configured for.
var knownCapabilities = []Capability{
	CapabilityChat,
	CapabilityVision,
	CapabilityEmbedding,
	CapabilityImage,
}

// Profile is one immutable entry in the model catalogue.
type Profile struct {
	Name            string
	Provider        string
	Model           string
	BaseURL         string
	APIKey          string
	Capabilities    []Capability
	MaxTokens       int
	Temperature     float32
	RPM             int
	SupportsTools   bool
	ThinkingPattern string

	thinkRE *regexp.Regexp
}

// HasCapability reports whether the profile supports cap.
func (p *Profile) HasCapability(cap Capability) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// ExtractThinking splits reasoning spans out of a model response. Profiles
// without a thinking pattern return the text unchanged.
func (p *Profile) ExtractThinking(text string) (visible, thinking string) {
	if p.thinkRE == nil {
		return text, ""
	}
	matches := p.thinkRE.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return text, ""
	}
	for _, m := range matches {
		if len(m) > 1 {
			if thinking != "" {
				thinking += "\n"
			}
			thinking += m[1]
		}
	}
	visible = p.thinkRE.ReplaceAllString(text, "")
	return visible, thinking
}

// Catalog holds the model profiles and per-capability defaults. Profiles are
// fixed at construction; lookups are concurrency-safe.
type Catalog struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	defaults map[Capability]string
	logger   *slog.Logger
}

// NewCatalog builds a catalogue from profiles and defaults. A default
// naming an unknown profile is an error. A capability without a default is
// logged and only fails later calls to DefaultFor for that capability.
func NewCatalog(profiles []Profile, defaults map[Capability]string, logger *slog.Logger) (*Catalog, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "catalog")

	c := &Catalog{
		profiles: make(map[string]*Profile, len(profiles)),
		defaults: make(map[Capability]string, len(defaults)),
		logger:   logger,
	}

	for i := range profiles {
		p := profiles[i]
		if p.Name == "" {
			return nil, fmt.Errorf("catalog: profile %d has empty name", i)
		}
		if _, dup := c.profiles[p.Name]; dup {
			return nil, fmt.Errorf("catalog: duplicate profile %q", p.Name)
		}
		if p.ThinkingPattern != "" {
			re, err := regexp.Compile(p.ThinkingPattern)
			if err != nil {
				return nil, fmt.Errorf("catalog: profile %q: bad thinking pattern: %w", p.Name, err)
			}
			p.thinkRE = re
		}
		c.profiles[p.Name] = &p
	}

	for capability, name := range defaults {
		if _, ok := c.profiles[name]; !ok {
			return nil, fmt.Errorf("catalog: default for %q names unknown profile %q", capability, name)
		}
		c.defaults[capability] = name
	}

	for _, capability := range knownCapabilities {
		if _, ok := c.defaults[capability]; !ok {
			logger.Warn("no default profile configured", "capability", string(capability))
		}
	}

	return c, nil
}

// Resolve returns the profile registered under name.
func (c *Catalog) Resolve(name string) (*Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.profiles[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProfileNotFound, name)
	}
	return p, nil
}

// DefaultFor returns the default profile for a capability.
func (c *Catalog) DefaultFor(capability Capability) (*Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name, ok := c.defaults[capability]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoDefault, capability)
	}
	return c.profiles[name], nil
}

// List returns profiles supporting capability, sorted by name. An empty
// capability lists everything.
func (c *Catalog) List(capability Capability) []*Profile {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*Profile
	for _, p := range c.profiles {
		if capability == "" || p.HasCapability(capability) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
