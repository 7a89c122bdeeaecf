package data

import (
	"fmt"
	"os"

	"github.com/l1jgo/ghostnet/internal/schema"
	"gopkg.in/yaml.v3"
)

// ElementEntry is one scalar member of a buffer element.
type ElementEntry struct {
	Name         string  `yaml:"name"`
	Kind         string  `yaml:"kind"`
	Quantization float32 `yaml:"quantization"`
}

// FieldEntry is one replicated field.
type FieldEntry struct {
	Name         string         `yaml:"name"`
	Kind         string         `yaml:"kind"`
	Quantization float32        `yaml:"quantization"`
	Smoothing    string         `yaml:"smoothing"` // clamp | interpolate
	Send         string         `yaml:"send"`      // all | owner_only | predicted_only | interpolated_only | never
	MaxLength    int            `yaml:"max_length"`
	Element      []ElementEntry `yaml:"element"`
}

// ComponentEntry is a replicated component on the root (child 0) or a child entity.
type ComponentEntry struct {
	Name       string       `yaml:"name"`
	Child      int          `yaml:"child"`
	Enableable bool         `yaml:"enableable"`
	Send       string       `yaml:"send"`
	Fields     []FieldEntry `yaml:"fields"`
}

// GhostTypeEntry is one ghost prefab.
type GhostTypeEntry struct {
	Name       string           `yaml:"name"`
	Mode       string           `yaml:"mode"` // interpolated | predicted | owner_predicted
	Components []ComponentEntry `yaml:"components"`
}

// LoadGhostTypes loads ghost_types.yaml and compiles it into a schema collection.
func LoadGhostTypes(path string) (*schema.Collection, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ghost types: %w", err)
	}
	return ParseGhostTypes(raw)
}

// ParseGhostTypes compiles YAML bytes into a schema collection.
func ParseGhostTypes(raw []byte) (*schema.Collection, error) {
	var entries []GhostTypeEntry
	if err := yaml.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("parse ghost types: %w", err)
	}
	types := make([]schema.GhostType, 0, len(entries))
	for _, e := range entries {
		gt, err := e.toSchema()
		if err != nil {
			return nil, fmt.Errorf("ghost type %s: %w", e.Name, err)
		}
		types = append(types, gt)
	}
	return schema.Compile(types)
}

func (e GhostTypeEntry) toSchema() (schema.GhostType, error) {
	mode, err := schema.ParseGhostMode(e.Mode)
	if err != nil {
		return schema.GhostType{}, err
	}
	gt := schema.GhostType{Name: e.Name, Mode: mode}
	for _, c := range e.Components {
		send, err := schema.ParseSendMode(c.Send)
		if err != nil {
			return schema.GhostType{}, fmt.Errorf("component %s: %w", c.Name, err)
		}
		comp := schema.Component{Name: c.Name, Child: c.Child, Enableable: c.Enableable, Send: send}
		for _, f := range c.Fields {
			field, err := f.toSchema()
			if err != nil {
				return schema.GhostType{}, fmt.Errorf("component %s: %w", c.Name, err)
			}
			comp.Fields = append(comp.Fields, field)
		}
		gt.Components = append(gt.Components, comp)
	}
	return gt, nil
}

func (f FieldEntry) toSchema() (schema.Field, error) {
	kind, err := schema.ParseKind(f.Kind)
	if err != nil {
		return schema.Field{}, fmt.Errorf("field %s: %w", f.Name, err)
	}
	smoothing, err := schema.ParseSmoothing(f.Smoothing)
	if err != nil {
		return schema.Field{}, fmt.Errorf("field %s: %w", f.Name, err)
	}
	send, err := schema.ParseSendMode(f.Send)
	if err != nil {
		return schema.Field{}, fmt.Errorf("field %s: %w", f.Name, err)
	}
	out := schema.Field{
		Name:         f.Name,
		Kind:         kind,
		Quantization: f.Quantization,
		Smoothing:    smoothing,
		Send:         send,
		MaxLength:    f.MaxLength,
	}
	for _, el := range f.Element {
		ek, err := schema.ParseKind(el.Kind)
		if err != nil {
			return schema.Field{}, fmt.Errorf("field %s.%s: %w", f.Name, el.Name, err)
		}
		out.Element = append(out.Element, schema.ElementField{Name: el.Name, Kind: ek, Quantization: el.Quantization})
	}
	return out, nil
}
