package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/cuemby/adcm/pkg/types"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   Level
		want zerolog.Level
	}{
		{in: DebugLevel, want: zerolog.DebugLevel},
		{in: "WARN", want: zerolog.WarnLevel},
		{in: ErrorLevel, want: zerolog.ErrorLevel},
		{in: "", want: zerolog.InfoLevel},
		{in: "verbose", want: zerolog.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(string(tt.in), func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestJSONFields(t *testing.T) {
	prev, prevLevel := Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	l := WithJobID(7, 21)
	l.Debug().Msg("job started")
	o := WithObject(types.Ref(types.ObjectCluster, 3))
	o.Info().Msg("state changed")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var job map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &job))
	assert.EqualValues(t, 7, job["task_id"])
	assert.EqualValues(t, 21, job["job_id"])
	assert.Equal(t, "debug", job["level"])

	var obj map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &obj))
	assert.Equal(t, "cluster/3", obj["object"])
}

func TestLevelFilters(t *testing.T) {
	prev, prevLevel := Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})

	l := WithComponent("runner")
	l.Info().Msg("hidden")
	l.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"component":"runner"`)
}
