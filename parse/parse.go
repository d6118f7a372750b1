// Package parse recovers structured records from raw language-model output.
// Generated text is not guaranteed well-formed, so decoding runs a ladder of
// strategies: strict JSON first, then progressively more forgiving repairs.
// A failure is always observable; nothing is swallowed.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrEmptyResponse indicates the model output contained no response token, so
// there is no answer region to parse at all.
var ErrEmptyResponse = errors.New("model output contains no response token")

// ParseError reports that the answer region could not be decoded into the
// expected shape even after the repair pass.
type ParseError struct {
	Raw string
	Err error
}

func (e *ParseError) Error() string {
	raw := e.Raw
	if len(raw) > 160 {
		raw = raw[:160] + "…"
	}
	return fmt.Sprintf("unparseable model response %q: %v", raw, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// Options control how the answer region is located within raw model output.
type Options struct {
	// ResponseToken anchors the answer: everything after its last occurrence
	// is the candidate region.
	ResponseToken string
	// EOSToken, when set, truncates the region at the first end-of-sequence
	// marker the model emitted.
	EOSToken string
	// TokenOptional permits continuation-only model wrappers, whose output
	// never echoes the prompt and therefore may lack the anchor entirely.
	TokenOptional bool
}

// Response isolates the answer region from raw model output.
func Response(raw string, opts Options) (string, error) {
	region := raw
	idx := -1
	if opts.ResponseToken != "" {
		idx = strings.LastIndex(raw, opts.ResponseToken)
	}
	if idx >= 0 {
		region = raw[idx+len(opts.ResponseToken):]
	} else if !opts.TokenOptional {
		return "", ErrEmptyResponse
	}
	if opts.EOSToken != "" {
		if eos := strings.Index(region, opts.EOSToken); eos >= 0 {
			region = region[:eos]
		}
	}
	return strings.TrimSpace(region), nil
}

// Decode parses the answer region into v, attempting strict JSON first and
// falling back to the repair ladder.
func Decode(region string, v any) error {
	var lastErr error
	for _, candidate := range candidates(region) {
		if candidate == "" {
			continue
		}
		if err := json.Unmarshal([]byte(candidate), v); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}
	if lastErr == nil {
		lastErr = errors.New("no structured content found")
	}
	return &ParseError{Raw: region, Err: lastErr}
}

// Extract combines Response and Decode.
func Extract(raw string, opts Options, v any) error {
	region, err := Response(raw, opts)
	if err != nil {
		return err
	}
	return Decode(region, v)
}

// candidates yields decode attempts in decreasing order of strictness.
func candidates(s string) []string {
	s = strings.TrimSpace(s)
	out := []string{s}
	if fenced := codeFence(s); fenced != "" {
		out = append(out, fenced, repair(fenced))
	}
	if region := balancedRegion(s); region != "" {
		out = append(out, region, repair(region))
	}
	out = append(out, repair(s))
	return out
}

// codeFence extracts the body of a ```json fenced block if one is present.
func codeFence(s string) string {
	for _, marker := range []string{"```json", "```"} {
		if idx := strings.Index(s, marker); idx >= 0 {
			after := s[idx+len(marker):]
			if end := strings.Index(after, "```"); end >= 0 {
				return strings.TrimSpace(after[:end])
			}
		}
	}
	return ""
}

// balancedRegion returns the first {...} or [...] region, tracking string and
// escape state so braces inside values don't confuse the scan. A region the
// model truncated is closed with the missing delimiters.
func balancedRegion(s string) string {
	start := strings.IndexAny(s, "{[")
	if start < 0 {
		return ""
	}
	var stack []byte
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == ch {
				stack = stack[:len(stack)-1]
			}
			if len(stack) == 0 {
				return s[start : i+1]
			}
		}
	}
	// Truncated output: close what the model left open.
	region := s[start:]
	if inString {
		region += `"`
	}
	for i := len(stack) - 1; i >= 0; i-- {
		region += string(stack[i])
	}
	return region
}

var (
	bareKeyPattern       = regexp.MustCompile(`([{,]\s*)([A-Za-z_][A-Za-z0-9_-]*)\s*:`)
	trailingCommaPattern = regexp.MustCompile(`,\s*([}\]])`)
)

// repair normalizes the quirks the models produce most often: single-quoted
// strings, Python literals, bare keys and trailing commas. Quotes are fixed
// first so the literal pass can tell values from syntax.
func repair(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = swapQuotes(s)
	s = pythonLiterals(s)
	s = bareKeyPattern.ReplaceAllString(s, `$1"$2":`)
	s = trailingCommaPattern.ReplaceAllString(s, `$1`)
	if region := balancedRegion(s); region != "" {
		return region
	}
	return s
}

// pythonLiterals rewrites bare True/False/None into their JSON forms. The
// words are left alone inside string values, where they are legitimate data
// ("True Blue Crossing").
func pythonLiterals(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inString := false
	escaped := false
	for i := 0; i < len(s); {
		ch := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			b.WriteByte(ch)
			i++
			continue
		}
		if ch == '"' {
			inString = true
			b.WriteByte(ch)
			i++
			continue
		}
		if isWordByte(ch) {
			j := i + 1
			for j < len(s) && isWordByte(s[j]) {
				j++
			}
			switch s[i:j] {
			case "True":
				b.WriteString("true")
			case "False":
				b.WriteString("false")
			case "None":
				b.WriteString("null")
			default:
				b.WriteString(s[i:j])
			}
			i = j
			continue
		}
		b.WriteByte(ch)
		i++
	}
	return b.String()
}

// swapQuotes converts single-quoted string delimiters to double quotes while
// leaving apostrophes inside double-quoted strings alone.
func swapQuotes(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inDouble := false
	inSingle := false
	escaped := false
	for i := 0; i < len(s); i++ {
		ch := s[i]
		if escaped {
			b.WriteByte(ch)
			escaped = false
			continue
		}
		switch ch {
		case '\\':
			b.WriteByte(ch)
			escaped = true
		case '"':
			if !inSingle {
				inDouble = !inDouble
			}
			b.WriteByte(ch)
		case '\'':
			if inDouble {
				b.WriteByte(ch)
				break
			}
			// An apostrophe between letters is part of a word, not a
			// delimiter ("People's Republic").
			if inSingle && i > 0 && i+1 < len(s) && isWordByte(s[i-1]) && isWordByte(s[i+1]) {
				b.WriteByte(ch)
				break
			}
			inSingle = !inSingle
			b.WriteByte('"')
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func isWordByte(ch byte) bool {
	return ch == '_' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9') || ch >= 0x80
}
