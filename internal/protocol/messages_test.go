package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaot623/testinsights/internal/trace"
)

func TestAuthorizationHeader(t *testing.T) {
	assert.Equal(t, `Token token="abc123"`, AuthorizationHeader("abc123"))
}

func TestIdentifier(t *testing.T) {
	assert.Equal(t, `{"channel":"run-1"}`, Identifier("run-1"))
}

func TestMessageFrameNestsDataAsString(t *testing.T) {
	frame, err := MessageFrame(Identifier("run-1"), RecordResults{
		Action:  ActionRecordResults,
		Results: []*trace.Trace{{Identifier: "a.rb[1:1]", Result: trace.ResultPassed}},
	})
	require.NoError(t, err)

	var decoded ClientFrame
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, CommandMessage, decoded.Command)
	assert.Equal(t, `{"channel":"run-1"}`, decoded.Identifier)

	var data RecordResults
	require.NoError(t, json.Unmarshal([]byte(decoded.Data), &data))
	assert.Equal(t, ActionRecordResults, data.Action)
	require.Len(t, data.Results, 1)
	assert.Equal(t, "a.rb[1:1]", data.Results[0].Identifier)
}

func TestServerFrameDisconnect(t *testing.T) {
	var frame ServerFrame
	require.NoError(t, json.Unmarshal([]byte(`{"type":"disconnect","reason":"unauthorized","reconnect":false}`), &frame))

	assert.Equal(t, TypeDisconnect, frame.Type)
	require.NotNil(t, frame.Reconnect)
	assert.False(t, *frame.Reconnect)
}
