// Package codec encodes aggregate state into the compact snapshot payload.
//
// A payload is the CBOR array [aggregateType, aggregateId, version,
// [stateVersion, fields]] where fields holds the state values in schema order.
// Nested entities are tagged tuples [entityType, stateVersion, fields].
// Payloads of at least the compression threshold are zstd compressed and are
// recognised on read by the zstd frame magic.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
)

// DefaultCompressionThreshold is the encoded size from which payloads are compressed.
const DefaultCompressionThreshold = 4096

var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

var (
	// ErrUnknownType is returned when a payload names an unregistered aggregate or entity type.
	ErrUnknownType = errors.New("unknown state type")
	// ErrUnsupportedVersion is returned for state versions the registered schema cannot read.
	ErrUnsupportedVersion = errors.New("unsupported state version")
	// ErrMalformed is returned when state does not match its schema.
	ErrMalformed = errors.New("malformed state")
	// ErrCipherRequired is returned when an encrypted field is used without a FieldCipher.
	ErrCipherRequired = errors.New("field cipher required")
)

// Entity is a nested value object encoded with its own schema.
type Entity struct {
	Type  string
	State map[string]any
}

// Envelope is the decoded form of a snapshot payload.
type Envelope struct {
	AggregateType string
	AggregateID   string
	Version       int
	State         map[string]any
}

// IsCompressed reports whether data starts with the zstd frame magic.
func IsCompressed(data []byte) bool {
	return len(data) >= len(zstdMagic) && bytes.Equal(data[:len(zstdMagic)], zstdMagic)
}

type Option func(*Codec)

// WithCipher enables encrypted fields.
func WithCipher(c FieldCipher) Option {
	return func(codec *Codec) {
		codec.cipher = c
	}
}

// WithCompressionThreshold overrides DefaultCompressionThreshold.
func WithCompressionThreshold(n int) Option {
	return func(codec *Codec) {
		if n > 0 {
			codec.threshold = n
		}
	}
}

// Codec is safe for concurrent use.
type Codec struct {
	registry  *Registry
	cipher    FieldCipher
	threshold int

	enc  cbor.EncMode
	dec  cbor.DecMode
	zenc *zstd.Encoder
	zdec *zstd.Decoder
}

func NewCodec(registry *Registry, opts ...Option) (*Codec, error) {
	c := &Codec{
		registry:  registry,
		threshold: DefaultCompressionThreshold,
	}
	for _, opt := range opts {
		opt(c)
	}

	var err error
	if c.enc, err = cbor.CoreDetEncOptions().EncMode(); err != nil {
		return nil, fmt.Errorf("create cbor encoder: %w", err)
	}
	c.dec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("create cbor decoder: %w", err)
	}
	if c.zenc, err = zstd.NewWriter(nil); err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	if c.zdec, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(256<<20)); err != nil {
		c.zenc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return c, nil
}

// Close releases the compressor resources.
func (c *Codec) Close() {
	c.zenc.Close()
	c.zdec.Close()
}

// Encode serializes env, compressing the result when it reaches the threshold.
func (c *Codec) Encode(env Envelope) ([]byte, error) {
	schema, ok := c.registry.Lookup(env.AggregateType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownType, env.AggregateType)
	}
	state, err := c.encodeState(schema, env.State)
	if err != nil {
		return nil, err
	}

	data, err := c.enc.Marshal([]any{env.AggregateType, env.AggregateID, int64(env.Version), state})
	if err != nil {
		return nil, fmt.Errorf("marshal %s %s: %w", env.AggregateType, env.AggregateID, err)
	}
	if len(data) >= c.threshold {
		data = c.zenc.EncodeAll(data, make([]byte, 0, len(data)/2))
	}
	return data, nil
}

// Decode parses a payload produced by Encode, upgrading old state versions.
func (c *Codec) Decode(data []byte) (Envelope, error) {
	if IsCompressed(data) {
		raw, err := c.zdec.DecodeAll(data, nil)
		if err != nil {
			return Envelope{}, fmt.Errorf("%w: decompress: %v", ErrMalformed, err)
		}
		data = raw
	}

	var top []any
	if err := c.dec.Unmarshal(data, &top); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(top) != 4 {
		return Envelope{}, fmt.Errorf("%w: envelope has %d elements", ErrMalformed, len(top))
	}

	aggregateType, ok1 := top[0].(string)
	aggregateID, ok2 := top[1].(string)
	version, ok3 := top[2].(int64)
	if !ok1 || !ok2 || !ok3 {
		return Envelope{}, fmt.Errorf("%w: invalid envelope header", ErrMalformed)
	}
	schema, ok := c.registry.Lookup(aggregateType)
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrUnknownType, aggregateType)
	}
	state, err := c.decodeState(schema, top[3])
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		Version:       int(version),
		State:         state,
	}, nil
}

// encodeState produces [stateVersion, fields] for state.
func (c *Codec) encodeState(schema Schema, state map[string]any) ([]any, error) {
	index := make(map[string]struct{}, len(schema.Fields))
	fields := make([]any, len(schema.Fields))
	for i, f := range schema.Fields {
		index[f.Name] = struct{}{}
		v, err := c.encodeField(schema.Name, f, state[f.Name])
		if err != nil {
			return nil, err
		}
		fields[i] = v
	}
	for name := range state {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("%w: %s has no field %q", ErrMalformed, schema.Name, name)
		}
	}
	return []any{int64(schema.Version), fields}, nil
}

func (c *Codec) decodeState(schema Schema, raw any) (map[string]any, error) {
	pair, ok := raw.([]any)
	if !ok || len(pair) != 2 {
		return nil, fmt.Errorf("%w: %s state is not a [version, fields] pair", ErrMalformed, schema.Name)
	}
	version, ok := pair[0].(int64)
	if !ok {
		return nil, fmt.Errorf("%w: %s state version is %T", ErrMalformed, schema.Name, pair[0])
	}
	fields, ok := pair[1].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s fields are %T", ErrMalformed, schema.Name, pair[1])
	}

	fields, err := upgrade(schema, int(version), fields)
	if err != nil {
		return nil, err
	}
	if len(fields) > len(schema.Fields) {
		return nil, fmt.Errorf("%w: %s has %d fields, schema declares %d", ErrMalformed, schema.Name, len(fields), len(schema.Fields))
	}

	state := make(map[string]any, len(schema.Fields))
	for i, f := range schema.Fields {
		if i >= len(fields) || fields[i] == nil {
			continue
		}
		v, err := c.decodeField(schema.Name, f, fields[i])
		if err != nil {
			return nil, err
		}
		state[f.Name] = v
	}
	return state, nil
}

func upgrade(schema Schema, version int, fields []any) ([]any, error) {
	if version > schema.Version || version < 1 {
		return nil, fmt.Errorf("%w: %s v%d (registered v%d)", ErrUnsupportedVersion, schema.Name, version, schema.Version)
	}
	for v := version; v < schema.Version; v++ {
		up := schema.Upgrades[v]
		if up == nil {
			return nil, fmt.Errorf("%w: %s has no upgrade from v%d", ErrUnsupportedVersion, schema.Name, v)
		}
		var err error
		if fields, err = up(fields); err != nil {
			return nil, fmt.Errorf("upgrade %s from v%d: %w", schema.Name, v, err)
		}
	}
	return fields, nil
}

func (c *Codec) encodeField(schemaName string, f Field, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	wire, err := c.toWire(f, v)
	if err != nil {
		if isCodecError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrMalformed, schemaName, f.Name, err)
	}
	if !f.Encrypted {
		return wire, nil
	}
	if c.cipher == nil {
		return nil, fmt.Errorf("%w: %s.%s", ErrCipherRequired, schemaName, f.Name)
	}
	plain, err := c.enc.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("marshal %s.%s: %w", schemaName, f.Name, err)
	}
	sealed, err := c.cipher.Seal(plain, additionalData(schemaName, f))
	if err != nil {
		return nil, fmt.Errorf("encrypt %s.%s: %w", schemaName, f.Name, err)
	}
	return sealed, nil
}

func (c *Codec) decodeField(schemaName string, f Field, raw any) (any, error) {
	if f.Encrypted {
		if c.cipher == nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrCipherRequired, schemaName, f.Name)
		}
		sealed, ok := raw.([]byte)
		if !ok {
			return nil, fmt.Errorf("%w: %s.%s: encrypted value is %T", ErrMalformed, schemaName, f.Name, raw)
		}
		plain, err := c.cipher.Open(sealed, additionalData(schemaName, f))
		if err != nil {
			return nil, fmt.Errorf("decrypt %s.%s: %w", schemaName, f.Name, err)
		}
		raw = nil
		if err := c.dec.Unmarshal(plain, &raw); err != nil {
			return nil, fmt.Errorf("%w: %s.%s: %v", ErrMalformed, schemaName, f.Name, err)
		}
	}
	v, err := c.fromWire(f, raw)
	if err != nil {
		if isCodecError(err) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s.%s: %v", ErrMalformed, schemaName, f.Name, err)
	}
	return v, nil
}

func additionalData(schemaName string, f Field) []byte {
	return []byte(schemaName + "." + f.Name)
}

func isCodecError(err error) bool {
	return errors.Is(err, ErrUnknownType) || errors.Is(err, ErrUnsupportedVersion) ||
		errors.Is(err, ErrMalformed) || errors.Is(err, ErrCipherRequired)
}
