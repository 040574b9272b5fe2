package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_AutoModeOnBufferIsJSON(t *testing.T) {
	// Given: a non-terminal destination
	buf := &bytes.Buffer{}

	// When: creating a writer in auto mode
	w := New(buf, ModeAuto)

	// Then: JSON mode is selected
	assert.True(t, w.JSONMode())
	assert.False(t, IsTTY(buf))
}

func TestWriter_ResultRendersJSONInJSONMode(t *testing.T) {
	// Given: a JSON writer
	buf := &bytes.Buffer{}
	w := New(buf, ModeJSON)
	called := false

	// When: writing a result
	err := w.Result(map[string]int{"total": 3}, func() { called = true })

	// Then: the value is encoded and the text renderer is skipped
	require.NoError(t, err)
	assert.False(t, called)
	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 3, got["total"])
}

func TestWriter_ResultCallsTextRenderer(t *testing.T) {
	// Given: a text writer
	w := New(&bytes.Buffer{}, ModeText)
	called := false

	// When: writing a result
	require.NoError(t, w.Result(struct{}{}, func() { called = true }))

	// Then: the text renderer ran
	assert.True(t, called)
}

func TestWriter_StatusMessages(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		want  []string
	}{
		{"success", func(w *Writer) { w.Successf("indexed %d documents", 4) }, []string{"✓", "indexed 4 documents"}},
		{"warning", func(w *Writer) { w.Warning("1 indexing error") }, []string{"!", "1 indexing error"}},
		{"error", func(w *Writer) { w.Errorf("index %s not found", "Users") }, []string{"✗", "index Users not found"}},
		{"no icon", func(w *Writer) { w.Status("", "plain") }, []string{"  plain"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.write(New(buf, ModeText))
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestWriter_TableAlignsColumns(t *testing.T) {
	// Given: rows of different widths
	buf := &bytes.Buffer{}
	w := New(buf, ModeText)

	// When: printing a table
	w.Table([]string{"INDEX", "ATTEMPTS"}, [][]string{
		{"Users", "4"},
		{"UsersByCity", "12"},
	})

	// Then: the second column starts at the same offset on every line
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	col := strings.Index(lines[0], "ATTEMPTS")
	assert.Equal(t, col, strings.Index(lines[1], "4"))
	assert.Equal(t, col, strings.Index(lines[2], "12"))
}

func TestWriter_KeyValue(t *testing.T) {
	buf := &bytes.Buffer{}
	New(buf, ModeText).KeyValue([][2]string{{"total", "5"}, {"start", "0"}})

	out := buf.String()
	assert.Contains(t, out, "total:")
	assert.Contains(t, out, "start:")
	assert.Less(t, strings.Index(out, "total"), strings.Index(out, "start"))
}

func TestFields_SortedAndNestedAsJSON(t *testing.T) {
	got := Fields(map[string]any{
		"name":    "Oren",
		"age":     40.0,
		"address": map[string]any{"city": "Haifa"},
	})

	assert.Equal(t, `address={"city":"Haifa"} age=40 name=Oren`, got)
}

func TestWriter_ProgressSilentInJSONMode(t *testing.T) {
	buf := &bytes.Buffer{}
	New(buf, ModeJSON).Progress(1, 2, "indexing")
	assert.Empty(t, buf.String())
}

func TestRenderProgressBar(t *testing.T) {
	tests := []struct {
		name           string
		current, total int
		wantFilled     int
	}{
		{"empty", 0, 10, 0},
		{"half", 5, 10, 5},
		{"full", 10, 10, 10},
		{"overflow", 20, 10, 10},
		{"no total", 3, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bar := renderProgressBar(tt.current, tt.total, 10)
			assert.Equal(t, tt.wantFilled, strings.Count(bar, "█"))
			assert.Equal(t, 10, strings.Count(bar, "█")+strings.Count(bar, "░"))
		})
	}
}
