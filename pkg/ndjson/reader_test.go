package ndjson

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tetherline/tether/pkg/wire"
)

func TestPumpSequenceNoGaps(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"system_init","text":"hello"}`,
		`{"type":"assistant_text","text":"a"}`,
		`not json at all`,
		`{"type":"tool_use","tool_name":"Read","tool_use_id":"1"}`,
		`{"type":"result","prompt_tokens":10,"completion_tokens":5,"cost_usd":0.01}`,
	}, "\n")

	var seq Sequencer
	var events []wire.AgentEvent
	err := Pump(strings.NewReader(input), &seq, func(e wire.AgentEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)
	require.Len(t, events, 5)

	for i, e := range events {
		require.Equal(t, uint64(i+1), e.Sequence)
	}

	require.Equal(t, wire.EventSystemInit, events[0].Kind)
	require.Equal(t, wire.EventAssistantText, events[1].Kind)
	require.Equal(t, wire.EventUnknown, events[2].Kind)
	require.Equal(t, "not json at all", events[2].Raw)
	require.Equal(t, wire.EventAssistantTool, events[3].Kind)
	require.Equal(t, wire.EventSessionResult, events[4].Kind)
	require.Equal(t, 10, events[4].UsagePromptTokens)
}

func TestPumpEmptyLinesSkipped(t *testing.T) {
	input := "\n\n{\"type\":\"assistant_text\",\"text\":\"x\"}\n\n"
	var seq Sequencer
	var events []wire.AgentEvent
	err := Pump(strings.NewReader(input), &seq, func(e wire.AgentEvent) {
		events = append(events, e)
	})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, uint64(1), events[0].Sequence)
}
