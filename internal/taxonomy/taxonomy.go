package taxonomy

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Characteristic is one standard attribute definition within a group:
// its canonical name, accepted variant spellings, accepted values and
// units. Open-ended characteristics accept free-form values.
type Characteristic struct {
	Key        string   `json:"-"`
	Name       string   `json:"name"`
	Variations []string `json:"variations,omitempty"`
	Values     []string `json:"values,omitempty"`
	Units      []string `json:"units,omitempty"`
	OpenEnded  bool     `json:"open_ended,omitempty"`
}

// CharacteristicSet holds the immutable definitions of one taxonomy group,
// indexed for name matching and kept in a stable key order for payloads.
type CharacteristicSet struct {
	GroupCode string

	ordered []Characteristic
	byKey   map[string]Characteristic
	byName  map[string]string // lowercased name or variation → key
}

// Index maps normalized group codes to their characteristic sets. Loaded
// once at startup and immutable thereafter.
type Index struct {
	groups map[string]*CharacteristicSet
	keys   []string
}

type fileFormat struct {
	Groups map[string]map[string]Characteristic `json:"groups"`
}

// Load reads and parses the taxonomy document. Parsing fails fast: a
// malformed file prevents the process from starting.
func Load(path string) (*Index, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read taxonomy %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds an index from the raw taxonomy JSON.
func Parse(raw []byte) (*Index, error) {
	var file fileFormat
	if err := json.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse taxonomy: %w", err)
	}
	if len(file.Groups) == 0 {
		return nil, fmt.Errorf("parse taxonomy: no groups defined")
	}

	idx := &Index{groups: make(map[string]*CharacteristicSet, len(file.Groups))}
	for code, defs := range file.Groups {
		set, err := newCharacteristicSet(code, defs)
		if err != nil {
			return nil, err
		}
		idx.groups[code] = set
		idx.keys = append(idx.keys, code)
	}
	sort.Strings(idx.keys)
	return idx, nil
}

func newCharacteristicSet(code string, defs map[string]Characteristic) (*CharacteristicSet, error) {
	set := &CharacteristicSet{
		GroupCode: code,
		byKey:     make(map[string]Characteristic, len(defs)),
		byName:    make(map[string]string, len(defs)),
	}

	keys := make([]string, 0, len(defs))
	for key := range defs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		char := defs[key]
		char.Key = key
		if char.Name == "" {
			return nil, fmt.Errorf("parse taxonomy: group %s characteristic %s has no name", code, key)
		}
		set.ordered = append(set.ordered, char)
		set.byKey[key] = char
		set.byName[strings.ToLower(char.Name)] = key
		for _, variation := range char.Variations {
			set.byName[strings.ToLower(variation)] = key
		}
	}
	return set, nil
}

// Lookup resolves a raw classification code to its characteristic set. A
// code whose group is not in the index is a soft miss, not an error: new
// groups may appear in classified data before the taxonomy catches up.
func (i *Index) Lookup(code string) (*CharacteristicSet, bool) {
	group := i.NormalizeGroup(code)
	if group == "" {
		return nil, false
	}
	set, ok := i.groups[group]
	return set, ok
}

// NormalizeGroup reduces a raw classification code to its taxonomy group
// key in XX.XX form. Two-digit codes fall back to the first group sharing
// the prefix; anything shorter has no group.
func (i *Index) NormalizeGroup(code string) string {
	clean := strings.ReplaceAll(strings.TrimSpace(code), ".", "")
	switch {
	case len(clean) >= 4:
		return clean[:2] + "." + clean[2:4]
	case len(clean) == 2:
		for _, key := range i.keys {
			if strings.HasPrefix(key, clean+".") {
				return key
			}
		}
		return ""
	default:
		return ""
	}
}

// Groups returns the sorted group codes present in the index.
func (i *Index) Groups() []string {
	out := make([]string, len(i.keys))
	copy(out, i.keys)
	return out
}

// Characteristics returns the group's definitions in stable key order.
func (s *CharacteristicSet) Characteristics() []Characteristic {
	return s.ordered
}

// Match resolves a characteristic by key, canonical name or variation,
// case-insensitively.
func (s *CharacteristicSet) Match(name string) (Characteristic, bool) {
	if char, ok := s.byKey[name]; ok {
		return char, true
	}
	key, ok := s.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Characteristic{}, false
	}
	return s.byKey[key], true
}

// AcceptsValue reports whether a standardized value is allowed for the
// characteristic: any value when open-ended or no value list is declared,
// otherwise an exact (case-insensitive) member of the list.
func (c Characteristic) AcceptsValue(value string) bool {
	if c.OpenEnded || len(c.Values) == 0 {
		return true
	}
	for _, accepted := range c.Values {
		if strings.EqualFold(accepted, strings.TrimSpace(value)) {
			return true
		}
	}
	return false
}

// AcceptsUnit reports whether the unit is declared for the characteristic.
// An empty unit is always allowed; a unit on a unitless characteristic is
// not.
func (c Characteristic) AcceptsUnit(unit string) bool {
	if strings.TrimSpace(unit) == "" {
		return true
	}
	for _, accepted := range c.Units {
		if strings.EqualFold(accepted, strings.TrimSpace(unit)) {
			return true
		}
	}
	return false
}

// DefinitionsJSON renders the group's characteristic table as stable JSON
// for the cacheable instruction payload. Key order is deterministic so the
// payload bytes are identical across calls and cache hits succeed.
func (s *CharacteristicSet) DefinitionsJSON() (string, error) {
	var b strings.Builder
	b.WriteString("{")
	for i, char := range s.ordered {
		if i > 0 {
			b.WriteString(",")
		}
		key, err := json.Marshal(char.Key)
		if err != nil {
			return "", fmt.Errorf("marshal taxonomy key: %w", err)
		}
		body, err := json.Marshal(char)
		if err != nil {
			return "", fmt.Errorf("marshal taxonomy characteristic %s: %w", char.Key, err)
		}
		b.Write(key)
		b.WriteString(":")
		b.Write(body)
	}
	b.WriteString("}")
	return b.String(), nil
}
