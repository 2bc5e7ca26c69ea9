// Package catalog manages the character roster: declarative YAML character
// definitions and the resolver that parses a user message into the ordered
// list of addressed characters.
//
// Resolution runs in two passes. An exact pass scans the message for indexed
// character names, aliases, and name fragments; a phonetic pass then covers
// STT mishearings ("grim jaw" for "Grimjaw") using Double Metaphone codes
// ranked by Jaro-Winkler similarity. Characters are returned in the order of
// their first mention. When nothing matches and the roster holds exactly one
// character, that character is addressed.
package catalog

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/troupelabs/troupe/internal/pipeline"
	"github.com/troupelabs/troupe/pkg/types"
)

// Definition is the declarative configuration for one character.
type Definition struct {
	// ID is the unique identifier for this character.
	ID string `yaml:"id"`

	// Name is the character's display name (e.g., "Grimjaw the Blacksmith").
	Name string `yaml:"name"`

	// Aliases are additional names the character answers to.
	Aliases []string `yaml:"aliases"`

	// SystemPrompt is the free-text persona used as the LLM system prompt.
	SystemPrompt string `yaml:"system_prompt"`

	// Voice configures the TTS voice used for this character.
	Voice VoiceConfig `yaml:"voice"`
}

// VoiceConfig describes the TTS voice configuration for a character.
type VoiceConfig struct {
	// Provider identifies which TTS provider to use (e.g., "elevenlabs").
	Provider string `yaml:"provider"`

	// VoiceID is the provider-specific voice identifier.
	VoiceID string `yaml:"voice_id"`

	// SampleRate is the PCM sample rate the provider renders at. A zero value
	// means "pipeline default".
	SampleRate int `yaml:"sample_rate"`

	// SpeedFactor adjusts speaking rate (0.5–2.0, 1.0 = normal speed).
	// A zero value means "use provider default".
	SpeedFactor float64 `yaml:"speed_factor"`
}

// Validate checks the Definition for logical consistency. It returns a joined
// error describing every violation found, or nil if the definition is valid.
func (d *Definition) Validate() error {
	var errs []error

	if d.ID == "" {
		errs = append(errs, fmt.Errorf("catalog: id must not be empty"))
	}
	if d.Name == "" {
		errs = append(errs, fmt.Errorf("catalog: name must not be empty"))
	}
	if d.Voice.SpeedFactor != 0 && (d.Voice.SpeedFactor < 0.5 || d.Voice.SpeedFactor > 2.0) {
		errs = append(errs, fmt.Errorf("catalog: voice speed_factor must be in [0.5, 2.0], got %g", d.Voice.SpeedFactor))
	}
	if d.Voice.SampleRate < 0 {
		errs = append(errs, fmt.Errorf("catalog: voice sample_rate must not be negative, got %d", d.Voice.SampleRate))
	}

	return errors.Join(errs...)
}

// toResolved converts a Definition into the runtime form handed to the
// orchestrator.
func (d *Definition) toResolved() pipeline.ResolvedCharacter {
	rate := d.Voice.SampleRate
	if rate == 0 {
		rate = pipeline.DefaultSampleRate
	}
	return pipeline.ResolvedCharacter{
		ID:           d.ID,
		Name:         d.Name,
		SystemPrompt: d.SystemPrompt,
		Voice: types.VoiceProfile{
			ID:          d.Voice.VoiceID,
			Name:        d.Name,
			Provider:    d.Voice.Provider,
			SampleRate:  rate,
			SpeedFactor: d.Voice.SpeedFactor,
		},
	}
}

// indexEntry is a pre-sorted key-to-character mapping entry.
type indexEntry struct {
	key string
	id  string
}

// Catalog is the immutable character roster with its resolution index. Safe
// for concurrent use after construction.
type Catalog struct {
	defs    []Definition
	byID    map[string]Definition
	sorted  []indexEntry
	matcher *matcher
}

// Option is a functional option for [New].
type Option func(*Catalog)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically-matched name to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Catalog) { c.matcher.phoneticThreshold = threshold }
}

// New builds a Catalog from the given definitions. Every definition is
// validated and IDs must be unique.
func New(defs []Definition, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		defs:    slices.Clone(defs),
		byID:    make(map[string]Definition, len(defs)),
		matcher: newMatcher(),
	}
	for _, opt := range opts {
		opt(c)
	}

	var errs []error
	for i := range c.defs {
		d := &c.defs[i]
		if err := d.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("catalog: character %d (%q): %w", i, d.ID, err))
			continue
		}
		if _, dup := c.byID[d.ID]; dup {
			errs = append(errs, fmt.Errorf("catalog: duplicate character id %q", d.ID))
			continue
		}
		c.byID[d.ID] = *d
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	c.buildIndex()
	return c, nil
}

// catalogFile is the YAML document shape for [LoadFile].
type catalogFile struct {
	Characters []Definition `yaml:"characters"`
}

// LoadFile reads a YAML character roster from path. Unknown fields are
// rejected so that typos in config files surface immediately.
func LoadFile(path string, opts ...Option) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("catalog: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var file catalogFile
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("catalog: parse %s: %w", path, err)
	}
	if len(file.Characters) == 0 {
		return nil, fmt.Errorf("catalog: %s defines no characters", path)
	}
	return New(file.Characters, opts...)
}

// Characters returns all definitions in declaration order.
func (c *Catalog) Characters() []Definition {
	return slices.Clone(c.defs)
}

// Get returns the definition for id.
func (c *Catalog) Get(id string) (Definition, bool) {
	d, ok := c.byID[id]
	return d, ok
}

// Len reports the roster size.
func (c *Catalog) Len() int { return len(c.defs) }

// buildIndex populates the name index: the full lowercase name, every alias,
// and every individual name word of length >= 3. Entries are pre-sorted by
// descending key length so that more specific names match before fragments.
func (c *Catalog) buildIndex() {
	index := make(map[string]string)
	add := func(key, id string) {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return
		}
		if _, taken := index[key]; !taken {
			index[key] = id
		}
	}

	for _, d := range c.defs {
		add(d.Name, d.ID)
		for _, alias := range d.Aliases {
			add(alias, d.ID)
		}
		for word := range strings.FieldsSeq(strings.ToLower(d.Name)) {
			if len(word) >= 3 {
				add(word, d.ID)
			}
		}
	}

	c.sorted = make([]indexEntry, 0, len(index))
	for key, id := range index {
		c.sorted = append(c.sorted, indexEntry{key: key, id: id})
	}
	slices.SortFunc(c.sorted, func(a, b indexEntry) int {
		if d := len(b.key) - len(a.key); d != 0 {
			return d
		}
		return strings.Compare(a.key, b.key)
	})
}

// Resolve parses message and returns the addressed characters in first-
// mention order. It implements the orchestrator's resolver contract.
func (c *Catalog) Resolve(message string) []pipeline.ResolvedCharacter {
	lower := strings.ToLower(message)

	// position of each character's earliest mention, keyed by ID.
	positions := make(map[string]int)

	// Exact pass: longest keys first, so "grimjaw the blacksmith" claims its
	// position before "grimjaw" does.
	for _, entry := range c.sorted {
		idx := strings.Index(lower, entry.key)
		if idx < 0 {
			continue
		}
		if prev, seen := positions[entry.id]; !seen || idx < prev {
			positions[entry.id] = idx
		}
	}

	// Phonetic pass for characters the exact pass missed.
	words := strings.Fields(lower)
	for _, d := range c.defs {
		if _, seen := positions[d.ID]; seen {
			continue
		}
		names := append([]string{d.Name}, d.Aliases...)
		if idx, ok := c.matcher.firstMatch(words, lower, names); ok {
			positions[d.ID] = idx
		}
	}

	// Single-character fallback: with exactly one character in the roster,
	// every message addresses it.
	if len(positions) == 0 && len(c.defs) == 1 {
		positions[c.defs[0].ID] = 0
	}

	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	slices.SortFunc(ids, func(a, b string) int {
		if d := positions[a] - positions[b]; d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})

	out := make([]pipeline.ResolvedCharacter, 0, len(ids))
	for _, id := range ids {
		d := c.byID[id]
		out = append(out, d.toResolved())
	}
	return out
}

// Interface conformance.
var _ pipeline.CharacterResolver = (*Catalog)(nil)
