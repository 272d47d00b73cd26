package payload

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCloneIsDeep(t *testing.T) {
	orig := Payload{
		"amount": 100.0,
		"address": map[string]any{
			"city": "Oslo",
		},
		"tags": []any{"a", map[string]any{"k": "v"}},
	}
	cp := orig.Clone()
	cp.Set("address.city", "Bergen")
	cp["tags"].([]any)[1].(map[string]any)["k"] = "changed"

	city, _ := orig.Get("address.city")
	assert.Equal(t, "Oslo", city)
	assert.Equal(t, "v", orig["tags"].([]any)[1].(map[string]any)["k"])
	assert.Nil(t, Payload(nil).Clone())
}

func TestPaths(t *testing.T) {
	p := Payload{}
	p.Set("customer.name", "Ada")
	p.Set("total", 12.5)

	v, ok := p.Get("customer.name")
	require.True(t, ok)
	assert.Equal(t, "Ada", v)

	_, ok = p.Get("customer.email")
	assert.False(t, ok)
	_, ok = p.Get("total.cents")
	assert.False(t, ok)

	p.Delete("customer.name")
	_, ok = p.Get("customer.name")
	assert.False(t, ok)
	p.Delete("missing.path")
}

func TestChecksum(t *testing.T) {
	a := Payload{"amt": 100.0, "currency": "EUR"}
	b := Payload{"currency": "EUR", "amt": 100.0}
	c := Payload{"amt": 200.0, "currency": "EUR"}

	assert.Equal(t, Checksum(a), Checksum(b))
	assert.NotEqual(t, Checksum(a), Checksum(c))
	assert.Len(t, Checksum(a), 8)

	assert.True(t, Equal(a, b))
	assert.False(t, Equal(a, c))
}

func TestNormalize(t *testing.T) {
	type address struct {
		Zip  string `json:"zip"`
		City string `json:"city"`
	}
	p := Payload{
		"id":      int64(9007199254740993),
		"ratio":   0.5,
		"address": address{Zip: "10115", City: "Berlin"},
	}

	n, err := Normalize(p)
	require.NoError(t, err)
	assert.Equal(t, json.Number("9007199254740993"), n["id"])
	assert.Equal(t, json.Number("0.5"), n["ratio"])
	assert.Equal(t, map[string]any{"zip": "10115", "city": "Berlin"}, n["address"])

	data, err := json.Marshal(n)
	require.NoError(t, err)
	reloaded, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, n, reloaded)
	assert.Equal(t, Checksum(p), Checksum(reloaded))
	assert.True(t, Equal(p, reloaded))

	_, err = Normalize(Payload{"ch": make(chan int)})
	assert.Error(t, err)

	n, err = Normalize(nil)
	require.NoError(t, err)
	assert.Nil(t, n)
}
