package model

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoerceNull(t *testing.T) {
	_, err := Coerce(Attribute{Name: "title", Kind: String}, nil)
	assert.Error(t, err)

	v, err := Coerce(Attribute{Name: "body", Kind: String, Nullable: true}, nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestCoerceStrictScalars(t *testing.T) {
	v, err := Coerce(Attribute{Name: "title", Kind: String}, "hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", v)

	_, err = Coerce(Attribute{Name: "title", Kind: String}, 42.0)
	assert.Error(t, err)

	v, err = Coerce(Attribute{Name: "done", Kind: Bool}, true)
	require.NoError(t, err)
	assert.Equal(t, true, v)

	_, err = Coerce(Attribute{Name: "done", Kind: Bool}, "true")
	assert.Error(t, err)
}

func TestCoerceIntegralTruncates(t *testing.T) {
	// integral coercion truncates through int64, out-of-range values wrap
	v, err := Coerce(Attribute{Name: "tiny", Kind: Int8}, 300.0)
	require.NoError(t, err)
	assert.Equal(t, int8(44), v)

	v, err = Coerce(Attribute{Name: "small", Kind: Int16}, 70000.0)
	require.NoError(t, err)
	assert.Equal(t, int16(4464), v)

	v, err = Coerce(Attribute{Name: "n", Kind: Int64}, 12.9)
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)

	_, err = Coerce(Attribute{Name: "n", Kind: Int64}, "12")
	assert.Error(t, err)
}

func TestCoerceFloats(t *testing.T) {
	v, err := Coerce(Attribute{Name: "ratio", Kind: Float32}, 1.5)
	require.NoError(t, err)
	assert.Equal(t, float32(1.5), v)

	v, err = Coerce(Attribute{Name: "ratio", Kind: Float64}, 1.5)
	require.NoError(t, err)
	assert.Equal(t, 1.5, v)
}

func TestCoerceDecimal(t *testing.T) {
	v, err := Coerce(Attribute{Name: "price", Kind: Decimal}, 19.99)
	require.NoError(t, err)
	assert.Equal(t, "19.99", v)

	v, err = Coerce(Attribute{Name: "price", Kind: Decimal}, "19.99")
	require.NoError(t, err)
	assert.Equal(t, "19.99", v)

	_, err = Coerce(Attribute{Name: "price", Kind: Decimal}, "not a number")
	assert.Error(t, err)
}

func TestCoerceTime(t *testing.T) {
	v, err := Coerce(Attribute{Name: "created_at", Kind: Time}, "2026-01-02T15:04:05+02:00")
	require.NoError(t, err)
	ts, ok := v.(time.Time)
	require.True(t, ok)
	assert.Equal(t, time.UTC, ts.Location())
	assert.Equal(t, "2026-01-02T13:04:05Z", ts.Format(time.RFC3339))

	_, err = Coerce(Attribute{Name: "created_at", Kind: Time}, "yesterday")
	assert.Error(t, err)
}

func TestCoerceUUID(t *testing.T) {
	id := uuid.New()
	v, err := Coerce(Attribute{Name: "ref", Kind: UUID}, id.String())
	require.NoError(t, err)
	assert.Equal(t, id, v)

	_, err = Coerce(Attribute{Name: "ref", Kind: UUID}, "not-a-uuid")
	assert.Error(t, err)
}

func TestParseString(t *testing.T) {
	v, err := ParseString(Attribute{Name: "n", Kind: Int64}, "42")
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	_, err = ParseString(Attribute{Name: "n", Kind: Int64}, "forty-two")
	assert.Error(t, err)

	id := uuid.New()
	v, err = ParseString(Attribute{Name: "ref", Kind: UUID}, id.String())
	require.NoError(t, err)
	assert.Equal(t, id, v)

	v, err = ParseString(Attribute{Name: "done", Kind: Bool}, "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)
}
