package codec

import (
	"fmt"
	"sync"
)

// Kind is the value type of a schema field.
type Kind int

const (
	KindString Kind = iota + 1
	KindInt
	KindFloat
	KindBool
	KindTime
	KindBytes
	KindStringList
	KindMap
	KindEntity
	KindEntityList
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindTime:
		return "time"
	case KindBytes:
		return "bytes"
	case KindStringList:
		return "string_list"
	case KindMap:
		return "map"
	case KindEntity:
		return "entity"
	case KindEntityList:
		return "entity_list"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Field is one positional slot of an encoded state.
type Field struct {
	Name string
	Kind Kind
	// Encrypted fields are sealed with the codec's FieldCipher.
	Encrypted bool
	// Entity optionally pins the entity type accepted by KindEntity and
	// KindEntityList fields.
	Entity string
}

// UpgradeFunc rewrites the field array of state version v into version v+1.
type UpgradeFunc func(fields []any) ([]any, error)

// Schema describes the ordered field layout of one aggregate or entity type.
type Schema struct {
	Name    string
	Version int
	Fields  []Field
	// Upgrades maps a state version to the function moving it one version up.
	Upgrades map[int]UpgradeFunc
}

func (s Schema) validate() error {
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	if s.Version < 1 {
		return fmt.Errorf("schema %s: version must be at least 1, got %d", s.Name, s.Version)
	}
	seen := make(map[string]struct{}, len(s.Fields))
	for _, f := range s.Fields {
		if f.Name == "" {
			return fmt.Errorf("schema %s: field name is required", s.Name)
		}
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("schema %s: duplicate field %q", s.Name, f.Name)
		}
		seen[f.Name] = struct{}{}
		if f.Kind < KindString || f.Kind > KindEntityList {
			return fmt.Errorf("schema %s: field %q has invalid kind %d", s.Name, f.Name, int(f.Kind))
		}
	}
	for v := 1; v < s.Version; v++ {
		if s.Upgrades[v] == nil {
			return fmt.Errorf("schema %s: missing upgrade from version %d", s.Name, v)
		}
	}
	return nil
}

// Registry holds the schemas a Codec can encode and decode. It is safe for
// concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[string]Schema
}

func NewRegistry() *Registry {
	return &Registry{schemas: make(map[string]Schema)}
}

// Register adds a schema. Registering the same name twice is an error.
func (r *Registry) Register(s Schema) error {
	if err := s.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.schemas[s.Name]; ok {
		return fmt.Errorf("schema %s already registered", s.Name)
	}
	r.schemas[s.Name] = s
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(schemas ...Schema) {
	for _, s := range schemas {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Lookup(name string) (Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[name]
	return s, ok
}
