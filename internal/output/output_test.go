package output

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_StatusLines(t *testing.T) {
	tests := []struct {
		name  string
		write func(w *Writer)
		want  string
	}{
		{"success", func(w *Writer) { w.Success("schema set") }, "✓ schema set\n"},
		{"warning", func(w *Writer) { w.Warningf("%d docs deleted", 3) }, "! 3 docs deleted\n"},
		{"error", func(w *Writer) { w.Error("store locked") }, "✗ store locked\n"},
		{"status with icon", func(w *Writer) { w.Status("→", "optimizing") }, "→ optimizing\n"},
		{"status without icon", func(w *Writer) { w.Status("", "detail") }, "   detail\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Given: a plain writer
			buf := &bytes.Buffer{}
			w := NewWithColor(buf, false)

			// When: writing the line
			tt.write(w)

			// Then: output is unstyled
			assert.Equal(t, tt.want, buf.String())
		})
	}
}

func TestNew_BufferIsNotTTY(t *testing.T) {
	// Given/When: a writer over a buffer
	w := New(&bytes.Buffer{})

	// Then: color is off
	assert.False(t, w.UseColor())
	assert.False(t, IsTTY(&bytes.Buffer{}))
}

func TestWriter_KeyValues_AlignsKeys(t *testing.T) {
	// Given: a plain writer
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)

	// When: printing rows with keys of different length
	w.KeyValues([]KV{{"documents", 12}, {"size", "4 KiB"}})

	// Then: values start in the same column
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "  documents: 12", lines[0])
	assert.Equal(t, "  size:      4 KiB", lines[1])
}

func TestWriter_Table_PadsColumns(t *testing.T) {
	// Given: a plain writer
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)

	// When: printing a table with a short row
	w.Table([]string{"ID", "NAMESPACE"}, [][]string{{"email-1", "inbox"}, {"e2"}})

	// Then: columns line up and trailing padding is trimmed
	assert.Equal(t, "ID       NAMESPACE\nemail-1  inbox\ne2\n", buf.String())
}

func TestWriter_JSON(t *testing.T) {
	// Given: a writer
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)

	// When: encoding a value
	require.NoError(t, w.JSON(map[string]int{"count": 2}))

	// Then: output is valid indented JSON
	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 2, got["count"])
	assert.Contains(t, buf.String(), "\n  \"count\"")
}

func TestWriter_Progress(t *testing.T) {
	// Given: a writer
	buf := &bytes.Buffer{}
	w := NewWithColor(buf, false)

	// When: reporting completion
	w.Progress(5, 10, "migrating")
	w.Progress(10, 10, "migrating")
	w.Progress(1, 0, "ignored")

	// Then: half and full bars are drawn and zero total is skipped
	out := buf.String()
	assert.Contains(t, out, "50% migrating")
	assert.Contains(t, out, "100% migrating\n")
	assert.NotContains(t, out, "ignored")
}

func TestRenderProgressBar_Clamps(t *testing.T) {
	assert.Equal(t, "████", renderProgressBar(8, 4, 4))
	assert.Equal(t, "░░░░", renderProgressBar(-1, 4, 4))
	assert.Equal(t, "░░░░", renderProgressBar(1, 0, 4))
}

func TestDefaultStyles_RenderText(t *testing.T) {
	// Given: colored styles
	s := DefaultStyles()

	// Then: rendered text still contains the input
	assert.Contains(t, s.Header.Render("Schema"), "Schema")
	assert.Equal(t, "plain", PlainStyles().Error.Render("plain"))
}
