package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventMarshalForms(t *testing.T) {
	tests := []struct {
		name     string
		event    Event
		expected string
	}{
		{"close", Event{Channel: -3}, `[-3]`},
		{"value", Event{Channel: 1, Payload: "hi", HasPayload: true}, `[1,"hi"]`},
		{"null value", Event{Channel: 2, HasPayload: true}, `[2,null]`},
		{"typed error", Event{Channel: 4, Payload: map[string]any{"message": "x"}, Failed: true, ErrorType: "TypeError"}, `[4,{"message":"x"},"TypeError"]`},
		{"thrown value", Event{Channel: 5, Payload: 12.0, Failed: true}, `[5,12,1]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.event)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, string(data))

			var back Event
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.event, back)
		})
	}
}

func TestEventUnmarshalRejects(t *testing.T) {
	for _, input := range []string{
		`[]`,
		`[0,1]`,
		`[1.5]`,
		`["a"]`,
		`[1,2,3,4]`,
		`[1,2,true]`,
		`[1,2,""]`,
		`{"channel":1}`,
	} {
		var ev Event
		assert.Error(t, json.Unmarshal([]byte(input), &ev), input)
	}
}

func TestEventHelpers(t *testing.T) {
	ev := Event{Channel: -2}
	assert.True(t, ev.IsClose())
	assert.False(t, ev.IsError())
	assert.Equal(t, int64(2), ev.Negated().Channel)
	assert.Equal(t, "[-2]", ev.String())
}
