// Package jsonutil formats status structs for terminal output.
package jsonutil

import (
	"bytes"
	"slices"

	"github.com/fatih/structs"
	"github.com/hokaccha/go-prettyjson"
)

func newFormatter(color bool) *prettyjson.Formatter {
	f := prettyjson.NewFormatter()
	f.Indent = 0
	f.Newline = ""
	f.DisabledColor = !color
	return f
}

// MarshalCompactPretty formats the fields of struct v one per line, keyed and sorted by their json names.
// Values are colored if color is true.
func MarshalCompactPretty(v any, color bool) ([]byte, error) {
	formatter := newFormatter(color)
	s := structs.New(v)
	s.TagName = "json"
	m := s.Map()
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	slices.Sort(names)
	var buf bytes.Buffer
	for _, name := range names {
		b, err := formatter.Marshal(m[name])
		if err != nil {
			return nil, err
		}
		buf.WriteString(name)
		buf.WriteString(": ")
		buf.Write(b)
		buf.WriteRune('\n')
	}
	return buf.Bytes(), nil
}
