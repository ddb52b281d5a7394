package bootstrap

import (
	"fmt"
	"strings"
)

// The wire format is a line-oriented block on remote stdout:
//
//	<id>: start
//	key==value==
//	...
//	<id>: end
//
// The double-equals value delimiter tolerates single '=' characters inside
// values (socket paths, base64-ish tokens).

const kvDelim = "=="

// RenderBlock produces the structured block a script emits. Only used by the
// generators and tests; the parser is the load-bearing half.
func RenderBlock(m Marker, pairs map[string]string, order []string) string {
	var b strings.Builder
	b.WriteString(m.Start())
	b.WriteString("\n")
	seen := map[string]bool{}
	emit := func(k string) {
		if seen[k] {
			return
		}
		seen[k] = true
		b.WriteString(k)
		b.WriteString(kvDelim)
		b.WriteString(pairs[k])
		b.WriteString(kvDelim)
		b.WriteString("\n")
	}
	for _, k := range order {
		if _, ok := pairs[k]; ok {
			emit(k)
		}
	}
	for k := range pairs {
		emit(k)
	}
	b.WriteString(m.End())
	b.WriteString("\n")
	return b.String()
}

// ParseBlock locates the first marker-delimited block in raw output and
// returns its key/value pairs. Absence of either marker is a non-retryable
// parse failure.
func ParseBlock(m Marker, raw string) (map[string]string, error) {
	start := strings.Index(raw, m.Start())
	if start < 0 {
		return nil, fmt.Errorf("%w: missing %q", ErrParse, m.Start())
	}
	rest := raw[start+len(m.Start()):]
	end := strings.Index(rest, m.End())
	if end < 0 {
		return nil, fmt.Errorf("%w: missing %q", ErrParse, m.End())
	}
	body := rest[:end]

	pairs := map[string]string{}
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		i := strings.Index(line, kvDelim)
		if i <= 0 {
			continue
		}
		key := line[:i]
		val := line[i+len(kvDelim):]
		val = strings.TrimSuffix(val, kvDelim)
		pairs[key] = val
	}
	return pairs, nil
}
