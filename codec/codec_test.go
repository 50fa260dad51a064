package codec

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	reg.MustRegister(
		Schema{
			Name:    "Image",
			Version: 1,
			Fields: []Field{
				{Name: "url", Kind: KindString},
				{Name: "alt", Kind: KindString},
				{Name: "position", Kind: KindInt},
			},
		},
		Schema{
			Name:    "Supplier",
			Version: 1,
			Fields: []Field{
				{Name: "name", Kind: KindString},
				{Name: "iban", Kind: KindString, Encrypted: true},
			},
		},
		Schema{
			Name:    "Product",
			Version: 1,
			Fields: []Field{
				{Name: "title", Kind: KindString},
				{Name: "stock", Kind: KindInt},
				{Name: "price", Kind: KindFloat},
				{Name: "published", Kind: KindBool},
				{Name: "publishedAt", Kind: KindTime},
				{Name: "thumbnail", Kind: KindBytes},
				{Name: "tags", Kind: KindStringList},
				{Name: "attributes", Kind: KindMap},
				{Name: "supplierCost", Kind: KindFloat, Encrypted: true},
				{Name: "supplier", Kind: KindEntity, Entity: "Supplier"},
				{Name: "images", Kind: KindEntityList, Entity: "Image"},
				{Name: "description", Kind: KindString},
			},
		},
	)
	return reg
}

func testCipher(t *testing.T) *XChaCha20Cipher {
	t.Helper()
	c, err := NewXChaCha20Cipher(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return c
}

func newTestCodec(t *testing.T, opts ...Option) *Codec {
	t.Helper()
	c, err := NewCodec(testRegistry(t), append([]Option{WithCipher(testCipher(t))}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func productState(description string) map[string]any {
	return map[string]any{
		"title":        "Walnut desk",
		"stock":        int64(12),
		"price":        199.5,
		"published":    true,
		"publishedAt":  time.Date(2026, 4, 1, 9, 30, 0, 123, time.UTC),
		"thumbnail":    []byte{0x89, 'P', 'N', 'G'},
		"tags":         []string{"furniture", "office"},
		"attributes":   map[string]any{"color": "brown", "weight": int64(30), "dims": map[string]any{"w": 1.2}},
		"supplierCost": 87.25,
		"supplier": Entity{Type: "Supplier", State: map[string]any{
			"name": "Acme",
			"iban": "DE89370400440532013000",
		}},
		"images": []Entity{
			{Type: "Image", State: map[string]any{"url": "https://cdn/1.jpg", "position": int64(0)}},
			{Type: "Image", State: map[string]any{"url": "https://cdn/2.jpg", "alt": "side", "position": int64(1)}},
		},
		"description": description,
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c := newTestCodec(t)

	env := Envelope{AggregateType: "Product", AggregateID: "p-1", Version: 3, State: productState("short")}
	data, err := c.Encode(env)
	require.NoError(t, err)
	assert.False(t, IsCompressed(data))

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestCodec_RoundTripCompressed(t *testing.T) {
	c := newTestCodec(t)

	env := Envelope{AggregateType: "Product", AggregateID: "p-1", Version: 9, State: productState(strings.Repeat("lorem ipsum ", 800))}
	data, err := c.Encode(env)
	require.NoError(t, err)
	assert.True(t, IsCompressed(data))

	got, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestCodec_CompressionThreshold(t *testing.T) {
	c := newTestCodec(t)
	plain := newTestCodec(t, WithCompressionThreshold(1<<30))

	for _, n := range []int{0, 100, 3000, 3900, 4000, 4100, 5000, 20000} {
		env := Envelope{AggregateType: "Image", AggregateID: "i", Version: 0, State: map[string]any{"url": strings.Repeat("x", n)}}

		raw, err := plain.Encode(env)
		require.NoError(t, err)
		require.False(t, IsCompressed(raw))

		stored, err := c.Encode(env)
		require.NoError(t, err)
		if len(raw) >= DefaultCompressionThreshold {
			assert.True(t, IsCompressed(stored), "encoded size %d must be compressed", len(raw))
		} else {
			assert.False(t, IsCompressed(stored), "encoded size %d must not be compressed", len(raw))
			assert.Equal(t, raw, stored)
		}
	}
}

func TestIsCompressed(t *testing.T) {
	assert.False(t, IsCompressed(nil))
	assert.False(t, IsCompressed([]byte{0x28, 0xB5, 0x2F}))
	assert.True(t, IsCompressed([]byte{0x28, 0xB5, 0x2F, 0xFD}))
	assert.False(t, IsCompressed([]byte{0x84, 0xB5, 0x2F, 0xFD}))
}

func TestCodec_EncryptedFieldsAreNotPlaintext(t *testing.T) {
	c := newTestCodec(t)

	data, err := c.Encode(Envelope{AggregateType: "Product", AggregateID: "p-1", State: productState("d")})
	require.NoError(t, err)

	assert.False(t, bytes.Contains(data, []byte("DE89370400440532013000")))
	assert.True(t, bytes.Contains(data, []byte("Walnut desk")), "plain fields stay readable")
}

func TestCodec_CipherRequired(t *testing.T) {
	reg := testRegistry(t)
	noCipher, err := NewCodec(reg)
	require.NoError(t, err)
	defer noCipher.Close()

	_, err = noCipher.Encode(Envelope{AggregateType: "Supplier", AggregateID: "s", State: map[string]any{"iban": "x"}})
	assert.ErrorIs(t, err, ErrCipherRequired)

	// Unset encrypted fields do not need a cipher.
	_, err = noCipher.Encode(Envelope{AggregateType: "Supplier", AggregateID: "s", State: map[string]any{"name": "x"}})
	assert.NoError(t, err)

	withCipher, err := NewCodec(reg, WithCipher(testCipher(t)))
	require.NoError(t, err)
	defer withCipher.Close()
	data, err := withCipher.Encode(Envelope{AggregateType: "Supplier", AggregateID: "s", State: map[string]any{"iban": "x"}})
	require.NoError(t, err)

	_, err = noCipher.Decode(data)
	assert.ErrorIs(t, err, ErrCipherRequired)
}

func TestCodec_WrongKeyFails(t *testing.T) {
	c := newTestCodec(t)
	data, err := c.Encode(Envelope{AggregateType: "Supplier", AggregateID: "s", State: map[string]any{"iban": "x"}})
	require.NoError(t, err)

	other, err := NewXChaCha20Cipher(bytes.Repeat([]byte{8}, 32))
	require.NoError(t, err)
	wrong, err := NewCodec(testRegistry(t), WithCipher(other))
	require.NoError(t, err)
	defer wrong.Close()

	_, err = wrong.Decode(data)
	assert.ErrorContains(t, err, "decrypt Supplier.iban")
}

func TestCodec_UnknownType(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Encode(Envelope{AggregateType: "Bundle", AggregateID: "b"})
	assert.ErrorIs(t, err, ErrUnknownType)

	data, err := c.enc.Marshal([]any{"Bundle", "b", int64(1), []any{int64(1), []any{}}})
	require.NoError(t, err)
	_, err = c.Decode(data)
	assert.ErrorIs(t, err, ErrUnknownType)

	data, err = c.enc.Marshal([]any{"Product", "p", int64(1), []any{int64(1), []any{
		nil, nil, nil, nil, nil, nil, nil, nil, nil, []any{"Ghost", int64(1), []any{}},
	}}})
	require.NoError(t, err)
	_, err = c.Decode(data)
	assert.ErrorIs(t, err, ErrUnknownType)
}

func TestCodec_Malformed(t *testing.T) {
	c := newTestCodec(t)

	_, err := c.Encode(Envelope{AggregateType: "Image", AggregateID: "i", State: map[string]any{"nope": 1}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.Encode(Envelope{AggregateType: "Image", AggregateID: "i", State: map[string]any{"position": "first"}})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.Decode([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.Decode([]byte{0x28, 0xB5, 0x2F, 0xFD, 0x00})
	assert.ErrorIs(t, err, ErrMalformed)

	tooMany, err := c.enc.Marshal([]any{"Image", "i", int64(1), []any{int64(1), []any{"u", "a", int64(1), "extra"}}})
	require.NoError(t, err)
	_, err = c.Decode(tooMany)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestCodec_ShortFieldArrayLeavesTrailingFieldsUnset(t *testing.T) {
	c := newTestCodec(t)

	data, err := c.enc.Marshal([]any{"Image", "i", int64(2), []any{int64(1), []any{"https://cdn/x.jpg"}}})
	require.NoError(t, err)

	env, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"url": "https://cdn/x.jpg"}, env.State)
	assert.Equal(t, 2, env.Version)
}

func TestCodec_Upgrades(t *testing.T) {
	v1 := NewRegistry()
	v1.MustRegister(Schema{
		Name:    "Variant",
		Version: 1,
		Fields:  []Field{{Name: "sku", Kind: KindString}, {Name: "priceCents", Kind: KindInt}},
	})
	oldCodec, err := NewCodec(v1)
	require.NoError(t, err)
	defer oldCodec.Close()

	old, err := oldCodec.Encode(Envelope{AggregateType: "Variant", AggregateID: "v", Version: 4, State: map[string]any{"sku": "A-1", "priceCents": int64(1999)}})
	require.NoError(t, err)

	v3 := NewRegistry()
	v3.MustRegister(Schema{
		Name:    "Variant",
		Version: 3,
		Fields: []Field{
			{Name: "sku", Kind: KindString},
			{Name: "price", Kind: KindFloat},
			{Name: "currency", Kind: KindString},
		},
		Upgrades: map[int]UpgradeFunc{
			// v1 -> v2: cents become a float price.
			1: func(fields []any) ([]any, error) {
				cents, _ := fields[1].(int64)
				return []any{fields[0], float64(cents) / 100}, nil
			},
			// v2 -> v3: currency appended.
			2: func(fields []any) ([]any, error) {
				return append(fields, "EUR"), nil
			},
		},
	})
	newCodec, err := NewCodec(v3)
	require.NoError(t, err)
	defer newCodec.Close()

	env, err := newCodec.Decode(old)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sku": "A-1", "price": 19.99, "currency": "EUR"}, env.State)

	current, err := newCodec.Encode(env)
	require.NoError(t, err)
	_, err = oldCodec.Decode(current)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(Schema{Name: "A", Version: 1}))

	assert.ErrorContains(t, reg.Register(Schema{Name: "A", Version: 1}), "already registered")
	assert.Error(t, reg.Register(Schema{Name: "", Version: 1}))
	assert.Error(t, reg.Register(Schema{Name: "B", Version: 0}))
	assert.Error(t, reg.Register(Schema{Name: "C", Version: 1, Fields: []Field{{Name: "x", Kind: KindString}, {Name: "x", Kind: KindInt}}}))
	assert.Error(t, reg.Register(Schema{Name: "D", Version: 1, Fields: []Field{{Name: "x"}}}))
	assert.ErrorContains(t, reg.Register(Schema{Name: "E", Version: 2}), "missing upgrade")

	_, ok := reg.Lookup("A")
	assert.True(t, ok)
	_, ok = reg.Lookup("B")
	assert.False(t, ok)
}

func TestXChaCha20Cipher(t *testing.T) {
	_, err := NewXChaCha20Cipher([]byte("short"))
	require.Error(t, err)

	c := testCipher(t)
	sealed, err := c.Seal([]byte("secret"), []byte("Supplier.iban"))
	require.NoError(t, err)

	again, err := c.Seal([]byte("secret"), []byte("Supplier.iban"))
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	plain, err := c.Open(sealed, []byte("Supplier.iban"))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), plain)

	_, err = c.Open(sealed, []byte("Supplier.name"))
	assert.Error(t, err, "ciphertext is bound to its field")

	sealed[len(sealed)-1] ^= 1
	_, err = c.Open(sealed, []byte("Supplier.iban"))
	assert.Error(t, err)

	_, err = c.Open([]byte{1, 2}, nil)
	assert.Error(t, err)
}
