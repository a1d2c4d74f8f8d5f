package value

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Dict_finders(t *testing.T) {
	d := Dict{
		"hostname": NewString("example.com"),
		"flags":    NewInt(4),
		"addresses": NewList(List{
			NewString("1.2.3.4"),
		}),
	}

	s, ok := d.FindString("hostname")
	require.True(t, ok)
	assert.Equal(t, "example.com", s)

	_, ok = d.FindString("flags")
	assert.False(t, ok, "wrong kind must not match")

	i, ok := d.FindInt("flags")
	require.True(t, ok)
	assert.Equal(t, 4, i)

	_, ok = d.FindInt("missing")
	assert.False(t, ok)

	l, ok := d.FindList("addresses")
	require.True(t, ok)
	assert.Len(t, l, 1)
}

func Test_JSON(t *testing.T) {
	in := List{
		NewDict(Dict{
			"hostname":   NewString("a.com"),
			"flags":      NewInt(0),
			"expiration": NewString("1700000000000000"),
			"addresses":  NewList(List{NewString("::1")}),
		}),
		NewDict(Dict{
			"hostname": NewString("b.com"),
			"error":    NewInt(-105),
		}),
	}

	b, err := json.Marshal(in)
	require.NoError(t, err)

	out, err := ParseList(b)
	require.NoError(t, err)
	assert.True(t, in.Equal(out), "got %s", string(b))
}

func Test_JSON_rejects64bitInt(t *testing.T) {
	_, err := ParseList([]byte(`[{"expiration": 13300000000000000}]`))
	assert.Error(t, err)

	_, err = ParseList([]byte(`[1.5]`))
	assert.Error(t, err)

	_, err = ParseList([]byte(`{"a": 1}`))
	assert.Error(t, err)
}

func Test_NewInt_clamps(t *testing.T) {
	i, _ := NewInt(1 << 40).AsInt()
	assert.Equal(t, 1<<31-1, i)
}
