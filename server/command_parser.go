package server

import (
	"fmt"
	"strconv"
	"strings"
)

// ParseLine is a simple, non-spec-compliant parser for tagged line-based
// protocols. It handles space-separated atoms, double-quoted strings and
// literal markers ({n} / {n+}), which are returned as opaque arguments.
func ParseLine(line string, hasTag bool) (tag, command string, args []string, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", "", nil, nil
	}

	rem := line
	if hasTag {
		parts := strings.SplitN(rem, " ", 2)
		tag = parts[0]
		if len(parts) < 2 {
			return tag, "", nil, nil // Tag only
		}
		rem = strings.TrimSpace(parts[1])
	}

	if rem == "" {
		return tag, "", nil, nil
	}
	parts := strings.SplitN(rem, " ", 2)
	command = strings.ToUpper(parts[0])
	if len(parts) < 2 {
		return tag, command, nil, nil
	}
	rem = strings.TrimSpace(parts[1])

	for rem != "" {
		rem = strings.TrimSpace(rem)
		if rem == "" {
			break
		}

		var arg string
		if rem[0] == '"' {
			// Quoted string. Characters inside quotes can be escaped
			// with backslash (RFC 3501 quoted-specials).
			i := 1
			escaped := false
			found := false
			for i < len(rem) {
				if escaped {
					escaped = false
					i++
					continue
				}
				if rem[i] == '\\' {
					escaped = true
					i++
					continue
				}
				if rem[i] == '"' {
					arg = rem[:i+1]
					rem = rem[i+1:]
					found = true
					break
				}
				i++
			}
			if !found {
				return tag, command, nil, fmt.Errorf("unclosed quote in command arguments")
			}
		} else {
			end := strings.Index(rem, " ")
			if end == -1 {
				arg = rem
				rem = ""
			} else {
				arg = rem[:end]
				rem = rem[end:]
			}
		}
		args = append(args, arg)
	}

	return tag, command, args, nil
}

// UnquoteString removes surrounding double quotes from a string if present
// and processes backslash escape sequences (RFC 3501 quoted-specials).
func UnquoteString(str string) string {
	if len(str) < 2 || str[0] != '"' || str[len(str)-1] != '"' {
		return str
	}

	inner := str[1 : len(str)-1]
	var result strings.Builder
	result.Grow(len(inner))
	escaped := false
	for i := 0; i < len(inner); i++ {
		if escaped {
			result.WriteByte(inner[i])
			escaped = false
		} else if inner[i] == '\\' {
			escaped = true
		} else {
			result.WriteByte(inner[i])
		}
	}
	return result.String()
}

// QuoteString wraps a string in double quotes, escaping backslash and
// double-quote characters (RFC 3501 quoted-specials).
func QuoteString(str string) string {
	var result strings.Builder
	result.Grow(len(str) + 2)
	result.WriteByte('"')
	for i := 0; i < len(str); i++ {
		if str[i] == '"' || str[i] == '\\' {
			result.WriteByte('\\')
		}
		result.WriteByte(str[i])
	}
	result.WriteByte('"')
	return result.String()
}

// ParseLiteralMarker inspects a protocol line for a trailing byte-count
// literal marker, {n} or {n+}. It returns the announced size and whether
// the literal is non-synchronizing ({n+}, LITERAL+ style, where the peer
// sends the bytes without waiting for a continuation).
func ParseLiteralMarker(line string) (size int64, nonSync bool, ok bool) {
	line = strings.TrimRight(line, "\r\n")
	if len(line) < 3 || line[len(line)-1] != '}' {
		return 0, false, false
	}
	open := strings.LastIndexByte(line, '{')
	if open == -1 {
		return 0, false, false
	}
	digits := line[open+1 : len(line)-1]
	if strings.HasSuffix(digits, "+") {
		nonSync = true
		digits = digits[:len(digits)-1]
	}
	if digits == "" {
		return 0, false, false
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n < 0 {
		return 0, false, false
	}
	return n, nonSync, true
}

// RewriteLiteralMarker replaces the byte count of the trailing literal
// marker on a line. The caller must have verified the marker exists.
func RewriteLiteralMarker(line string, size int64) string {
	trimmed := strings.TrimRight(line, "\r\n")
	open := strings.LastIndexByte(trimmed, '{')
	if open == -1 {
		return line
	}
	return trimmed[:open] + "{" + strconv.FormatInt(size, 10) + "}\r\n"
}
