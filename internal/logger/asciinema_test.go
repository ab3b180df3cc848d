package logger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_WritesCastLines(t *testing.T) {
	var out bytes.Buffer
	rec, err := NewRecorderWithWriter(&out, 80, 24)
	require.NoError(t, err)

	rec.Output([]byte("hello\r\n"))
	rec.Input([]byte("ls\n"))
	rec.Resize(120, 40)
	rec.Output(nil)
	require.NoError(t, rec.Close())
	rec.Output([]byte("after close"))

	scanner := bufio.NewScanner(&out)
	require.True(t, scanner.Scan())

	var header CastHeader
	require.NoError(t, json.Unmarshal(scanner.Bytes(), &header))
	assert.Equal(t, 2, header.Version)
	assert.Equal(t, 80, header.Width)
	assert.Equal(t, 24, header.Height)

	var events []CastEvent
	for scanner.Scan() {
		var ev CastEvent
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		events = append(events, ev)
	}

	require.Len(t, events, 3)
	assert.Equal(t, "o", events[0].Kind)
	assert.Equal(t, "hello\r\n", events[0].Data)
	assert.Equal(t, "i", events[1].Kind)
	assert.Equal(t, "r", events[2].Kind)
	assert.Equal(t, "120x40", events[2].Data)
	assert.GreaterOrEqual(t, events[1].Offset, events[0].Offset)
}

func TestRecorder_NilIsNoop(t *testing.T) {
	var rec *Recorder
	rec.Output([]byte("x"))
	assert.NoError(t, rec.Close())
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, "DEBUG", ParseLevel("debug").String())
	assert.Equal(t, "WARN", ParseLevel("Warning").String())
	assert.Equal(t, "ERROR", ParseLevel("error").String())
	assert.Equal(t, "INFO", ParseLevel("nonsense").String())
}
