// Package render expands {{ key }} placeholders against a resolved variable
// namespace. The placeholder language is lookups only: a dotted path into the
// namespace, nothing else.
package render

import (
	"fmt"
	"strconv"
	"strings"
)

// UndefinedVariableError reports a placeholder whose key is not present in
// the namespace.
type UndefinedVariableError struct {
	Key string
}

func (e *UndefinedVariableError) Error() string {
	return fmt.Sprintf("undefined variable %q", e.Key)
}

// SyntaxError reports malformed placeholder syntax.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("template syntax error at offset %d: %s", e.Offset, e.Msg)
}

// Render replaces every {{ expression }} in text with the stringified value
// looked up in vars. Identical inputs always produce identical output.
func Render(text string, vars map[string]interface{}) (string, error) {
	var b strings.Builder
	b.Grow(len(text))

	rest := text
	offset := 0
	for {
		open := strings.Index(rest, "{{")
		stray := strings.Index(rest, "}}")
		if open < 0 {
			if stray >= 0 {
				return "", &SyntaxError{Offset: offset + stray, Msg: "unbalanced braces: stray }}"}
			}
			b.WriteString(rest)
			return b.String(), nil
		}
		if stray >= 0 && stray < open {
			return "", &SyntaxError{Offset: offset + stray, Msg: "unbalanced braces: stray }}"}
		}
		b.WriteString(rest[:open])

		close := strings.Index(rest[open+2:], "}}")
		if close < 0 {
			return "", &SyntaxError{Offset: offset + open, Msg: "unbalanced braces: missing }}"}
		}
		expr := rest[open+2 : open+2+close]
		if strings.Contains(expr, "{{") {
			return "", &SyntaxError{Offset: offset + open, Msg: "unbalanced braces: nested {{"}
		}

		key := strings.TrimSpace(expr)
		if key == "" {
			return "", &SyntaxError{Offset: offset + open, Msg: "empty expression"}
		}
		if !validPath(key) {
			return "", &SyntaxError{Offset: offset + open, Msg: fmt.Sprintf("invalid expression %q", key)}
		}

		val, err := Lookup(vars, key)
		if err != nil {
			return "", err
		}
		b.WriteString(Stringify(val))

		consumed := open + 2 + close + 2
		offset += consumed
		rest = rest[consumed:]
	}
}

// Lookup resolves a dotted path into nested maps. The full path is reported
// on a miss, not just the failing segment.
func Lookup(vars map[string]interface{}, path string) (interface{}, error) {
	var cur interface{} = vars
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, &UndefinedVariableError{Key: path}
		}
		cur, ok = m[seg]
		if !ok {
			return nil, &UndefinedVariableError{Key: path}
		}
	}
	return cur, nil
}

// Stringify converts a namespace value to its template text form.
func Stringify(v interface{}) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", v)
	}
}

func validPath(path string) bool {
	for _, seg := range strings.Split(path, ".") {
		if !validIdent(seg) {
			return false
		}
	}
	return true
}

func validIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
