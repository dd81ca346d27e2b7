package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_RoundTrip(t *testing.T) {
	type payload struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}

	c := JSON{}
	data, err := c.Encode(payload{Name: "gw", Count: 3})
	require.NoError(t, err)

	var got payload
	require.NoError(t, c.Decode(data, &got))
	assert.Equal(t, payload{Name: "gw", Count: 3}, got)
}

func TestJSON_DecodeFailure(t *testing.T) {
	var got map[string]any
	err := JSON{}.Decode([]byte(`{not json`), &got)
	assert.Error(t, err, "malformed input must surface an error to the caller")
}

func TestRegistry_Required(t *testing.T) {
	r := NewDefaultRegistry()

	c, err := r.Required("json")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	_, err = r.Required("cbor")
	require.Error(t, err, "unknown codec is a startup failure")
	assert.Contains(t, err.Error(), `"cbor"`)
	assert.Contains(t, err.Error(), "json", "error lists registered codecs")
}

func TestRegistry_LastRegistrationWins(t *testing.T) {
	r := NewRegistry()
	r.Register(JSON{})
	r.Register(JSON{})

	c, ok := r.Get("json")
	require.True(t, ok)
	assert.Equal(t, "json", c.Name())
}
