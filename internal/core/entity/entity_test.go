package entity

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	typ, ok := Parse(5)
	assert.True(t, ok)
	assert.Equal(t, Entry, typ)

	typ, ok = Parse(16)
	assert.True(t, ok)
	assert.Equal(t, Lock, typ)

	typ, ok = Parse(99)
	assert.True(t, ok)
	assert.Equal(t, Unknown, typ)

	typ, ok = Parse(11)
	assert.False(t, ok)
	assert.Equal(t, Unknown, typ)
}

func TestTypeText(t *testing.T) {
	assert.Equal(t, "glass_break", GlassBreak.String())
	assert.Equal(t, "type(42)", Type(42).String())

	data, err := json.Marshal(map[string]Type{"t": CarbonMonoxide})
	require.NoError(t, err)
	assert.JSONEq(t, `{"t":"carbon_monoxide"}`, string(data))
}

func TestTriggerable(t *testing.T) {
	assert.True(t, Entry.Triggerable())
	assert.True(t, Temperature.Triggerable())
	assert.False(t, Keypad.Triggerable())
	assert.False(t, Siren.Triggerable())
}
