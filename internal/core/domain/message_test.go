package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_ToleratesLooseChannelLists(t *testing.T) {
	raw := []byte(`{"type":"subscribe","data":{"channels":["a","b"],"token":"t"},"message_id":"m-1"}`)

	msg, err := ParseMessage(raw)
	require.NoError(t, err)

	// JSON decoding produces []any; the accessor normalizes it.
	assert.Equal(t, []string{"a", "b"}, msg.StringsFromData("channels"))
	assert.Equal(t, "t", msg.StringFromData("token"))
	assert.Nil(t, msg.StringsFromData("missing"))
	assert.Empty(t, msg.StringFromData("missing"))
}

func TestNewErrorMessage_CarriesCorrelation(t *testing.T) {
	msg := NewErrorMessage("MALFORMED_MESSAGE", "bad payload", "m-2")

	assert.Equal(t, MessageTypeError, msg.Type)
	assert.Equal(t, "m-2", msg.CorrelationID)
	assert.Equal(t, "MALFORMED_MESSAGE", msg.Data["code"])
	assert.False(t, msg.Timestamp.IsZero())
}
