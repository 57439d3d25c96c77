package qmp

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	args := map[string]interface{}{"device": "virtio-blk-pci"}
	line, err := Encode("device_add", args)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimRight(line, "\n"), &got))
	assert.Equal(t, "device_add", got["execute"])
	assert.Equal(t, args["device"], got["arguments"].(map[string]interface{})["device"])
}

func TestEncodeNoArguments(t *testing.T) {
	line, err := Encode("qmp_capabilities", nil)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimRight(line, "\n"), &got))
	assert.Equal(t, "qmp_capabilities", got["execute"])
	_, hasArgs := got["arguments"]
	assert.False(t, hasArgs)
}

func TestHMC(t *testing.T) {
	line, err := HMC("savevm suspend")
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimRight(line, "\n"), &got))
	assert.Equal(t, "human-monitor-command", got["execute"])
	assert.Equal(t, "savevm suspend", got["arguments"].(map[string]interface{})["command-line"])
}

func TestDecoderRecognisesEvents(t *testing.T) {
	input := `{"event":"RESET","timestamp":{"seconds":1,"microseconds":0}}
{"event":"BOGUS-FUTURE-EVENT"}
{"return":{}}
not json at all
{"event":"RESUME"}
`
	dec := NewDecoder(bytes.NewBufferString(input), nil)

	msg, err := dec.Next()
	require.NoError(t, err)
	assert.True(t, msg.IsEvent)
	assert.Equal(t, EventReset, msg.Event)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.True(t, msg.IsEvent)
	assert.Equal(t, EventUnknown, msg.Event)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.True(t, msg.IsReturn)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.False(t, msg.IsEvent)
	assert.False(t, msg.IsReturn)

	msg, err = dec.Next()
	require.NoError(t, err)
	assert.True(t, msg.IsEvent)
	assert.Equal(t, EventResume, msg.Event)

	_, err = dec.Next()
	assert.Equal(t, io.EOF, err)
}
