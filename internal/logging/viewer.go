package logging

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Entry is one parsed log line.
type Entry struct {
	Time  time.Time
	Level string
	Msg   string
	Attrs map[string]any
	// Raw is the original line; Valid is false when it was not JSON.
	Raw   string
	Valid bool
}

// Filter selects entries. Zero values match everything.
type Filter struct {
	// Level is the minimum level.
	Level   string
	Pattern *regexp.Regexp
}

// Tail returns the entries among the last n lines of path that match f.
func Tail(path string, n int, f Filter) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer func() { _ = file.Close() }()

	const maxLine = 1024 * 1024
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	// Ring of the last n lines.
	ring := make([]string, 0, n)
	for scanner.Scan() {
		if len(ring) == n {
			ring = append(ring[1:], scanner.Text())
			continue
		}
		ring = append(ring, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	var out []Entry
	for _, line := range ring {
		if e := ParseLine(line); f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ParseLine decodes a JSON log line written by the slog JSON handler.
func ParseLine(line string) Entry {
	e := Entry{Raw: line}
	var fields map[string]any
	if err := json.Unmarshal([]byte(line), &fields); err != nil {
		return e
	}
	e.Valid = true
	if s, ok := fields["time"].(string); ok {
		e.Time, _ = time.Parse(time.RFC3339Nano, s)
	}
	e.Level, _ = fields["level"].(string)
	e.Msg, _ = fields["msg"].(string)
	delete(fields, "time")
	delete(fields, "level")
	delete(fields, "msg")
	if len(fields) > 0 {
		e.Attrs = fields
	}
	return e
}

// Matches reports whether e passes the filter. Unparseable lines only
// pass a filter without a level.
func (f Filter) Matches(e Entry) bool {
	if f.Level != "" {
		if !e.Valid || LevelFromString(e.Level) < LevelFromString(f.Level) {
			return false
		}
	}
	if f.Pattern != nil && !f.Pattern.MatchString(e.Raw) {
		return false
	}
	return true
}

// AttrString renders the attributes as sorted key=value pairs.
func (e Entry) AttrString() string {
	keys := make([]string, 0, len(e.Attrs))
	for k := range e.Attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%s=%v", k, e.Attrs[k])
	}
	return b.String()
}
