package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsKnownCommand(t *testing.T) {
	assert.True(t, IsKnownCommand(CmdMetaClassCreate))
	assert.True(t, IsKnownCommand("query:set-interface"))
	assert.False(t, IsKnownCommand("meta-class:destroy"))
	assert.False(t, IsKnownCommand(""))
}

func TestCommandNamespace(t *testing.T) {
	assert.Equal(t, "meta-class", CommandNamespace(CmdMetaClassAddInterface))
	assert.Equal(t, "query", CommandNamespace(CmdQueryStart))
	assert.Equal(t, "", CommandNamespace("ping"))
	assert.Equal(t, "a", CommandNamespace("a:b:c"))
}

type createClassPayload struct {
	Name       string   `json:"name"`
	Type       string   `json:"type"`
	Interfaces []string `json:"interfaces"`
}

func TestDecodePayload(t *testing.T) {
	msg := NewMessage("Graph", CmdMetaClassCreate, map[string]any{
		"name":       "Widget",
		"type":       "component",
		"interfaces": []any{"IRender", "IDispose"},
		"ignored":    true,
	})

	p, err := DecodePayload[createClassPayload](msg)
	require.NoError(t, err)
	assert.Equal(t, "Widget", p.Name)
	assert.Equal(t, "component", p.Type)
	assert.Equal(t, []string{"IRender", "IDispose"}, p.Interfaces)
}

func TestDecodePayloadTypeMismatch(t *testing.T) {
	msg := NewMessage("Graph", CmdMetaClassCreate, map[string]any{"name": 42})

	_, err := DecodePayload[createClassPayload](msg)
	assert.Error(t, err)
}

func TestEncodePayload(t *testing.T) {
	payload, err := EncodePayload(createClassPayload{Name: "Widget"})
	require.NoError(t, err)
	assert.Equal(t, "Widget", payload["name"])

	_, err = EncodePayload([]string{"not", "an", "object"})
	assert.Error(t, err)

	_, err = EncodePayload(nil)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}
