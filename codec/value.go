package codec

import (
	"fmt"
	"math"
	"time"
)

// toWire converts a state value into its CBOR representation.
func (c *Codec) toWire(f Field, v any) (any, error) {
	switch f.Kind {
	case KindString:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", v)
		}
		return s, nil
	case KindInt:
		return asInt64(v)
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		default:
			i, err := asInt64(v)
			if err != nil {
				return nil, fmt.Errorf("want float, got %T", v)
			}
			return float64(i), nil
		}
	case KindBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", v)
		}
		return b, nil
	case KindTime:
		t, ok := v.(time.Time)
		if !ok {
			return nil, fmt.Errorf("want time.Time, got %T", v)
		}
		return []any{t.Unix(), int64(t.Nanosecond())}, nil
	case KindBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, fmt.Errorf("want []byte, got %T", v)
		}
		return b, nil
	case KindStringList:
		list, ok := v.([]string)
		if !ok {
			return nil, fmt.Errorf("want []string, got %T", v)
		}
		return list, nil
	case KindMap:
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("want map[string]any, got %T", v)
		}
		return m, nil
	case KindEntity:
		e, ok := v.(Entity)
		if !ok {
			return nil, fmt.Errorf("want codec.Entity, got %T", v)
		}
		return c.encodeEntity(f, e)
	case KindEntityList:
		list, ok := v.([]Entity)
		if !ok {
			return nil, fmt.Errorf("want []codec.Entity, got %T", v)
		}
		out := make([]any, len(list))
		for i, e := range list {
			tuple, err := c.encodeEntity(f, e)
			if err != nil {
				return nil, err
			}
			out[i] = tuple
		}
		return out, nil
	}
	return nil, fmt.Errorf("unsupported kind %s", f.Kind)
}

// fromWire converts a decoded CBOR value back into its state representation.
func (c *Codec) fromWire(f Field, raw any) (any, error) {
	switch f.Kind {
	case KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", raw)
		}
		return s, nil
	case KindInt:
		n, ok := raw.(int64)
		if !ok {
			return nil, fmt.Errorf("want int, got %T", raw)
		}
		return n, nil
	case KindFloat:
		switch n := raw.(type) {
		case float64:
			return n, nil
		case int64:
			return float64(n), nil
		}
		return nil, fmt.Errorf("want float, got %T", raw)
	case KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("want bool, got %T", raw)
		}
		return b, nil
	case KindTime:
		pair, ok := raw.([]any)
		if !ok || len(pair) != 2 {
			return nil, fmt.Errorf("want [seconds, nanos], got %T", raw)
		}
		sec, ok1 := pair[0].(int64)
		nsec, ok2 := pair[1].(int64)
		if !ok1 || !ok2 {
			return nil, fmt.Errorf("invalid time components")
		}
		return time.Unix(sec, nsec).UTC(), nil
	case KindBytes:
		b, ok := raw.([]byte)
		if !ok {
			return nil, fmt.Errorf("want bytes, got %T", raw)
		}
		return b, nil
	case KindStringList:
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("want array, got %T", raw)
		}
		list := make([]string, len(items))
		for i, item := range items {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("item %d: want string, got %T", i, item)
			}
			list[i] = s
		}
		return list, nil
	case KindMap:
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("want map, got %T", raw)
		}
		return m, nil
	case KindEntity:
		return c.decodeEntity(f, raw)
	case KindEntityList:
		items, ok := raw.([]any)
		if !ok {
			return nil, fmt.Errorf("want array, got %T", raw)
		}
		list := make([]Entity, len(items))
		for i, item := range items {
			e, err := c.decodeEntity(f, item)
			if err != nil {
				return nil, err
			}
			list[i] = e
		}
		return list, nil
	}
	return nil, fmt.Errorf("unsupported kind %s", f.Kind)
}

func (c *Codec) encodeEntity(f Field, e Entity) ([]any, error) {
	if f.Entity != "" && e.Type != f.Entity {
		return nil, fmt.Errorf("%w: field %s holds %s, got %s", ErrMalformed, f.Name, f.Entity, e.Type)
	}
	schema, ok := c.registry.Lookup(e.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, e.Type)
	}
	state, err := c.encodeState(schema, e.State)
	if err != nil {
		return nil, err
	}
	return []any{e.Type, state[0], state[1]}, nil
}

func (c *Codec) decodeEntity(f Field, raw any) (Entity, error) {
	tuple, ok := raw.([]any)
	if !ok || len(tuple) != 3 {
		return Entity{}, fmt.Errorf("%w: field %s is not an entity tuple", ErrMalformed, f.Name)
	}
	typ, ok := tuple[0].(string)
	if !ok {
		return Entity{}, fmt.Errorf("%w: field %s entity type is %T", ErrMalformed, f.Name, tuple[0])
	}
	schema, ok := c.registry.Lookup(typ)
	if !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrUnknownType, typ)
	}
	if f.Entity != "" && typ != f.Entity {
		return Entity{}, fmt.Errorf("%w: field %s holds %s, got %s", ErrMalformed, f.Name, f.Entity, typ)
	}
	state, err := c.decodeState(schema, []any{tuple[1], tuple[2]})
	if err != nil {
		return Entity{}, err
	}
	return Entity{Type: typ, State: state}, nil
}

func asInt64(v any) (int64, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", n)
		}
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, fmt.Errorf("value %d overflows int64", n)
		}
		return int64(n), nil
	}
	return 0, fmt.Errorf("want integer, got %T", v)
}
