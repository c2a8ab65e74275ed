package classifier

import (
	"errors"
	"strings"
)

// errNoObject is reported when the output holds no balanced JSON object.
var errNoObject = errors.New("no JSON object found in classifier output")

// ExtractObject returns the first balanced {...} substring of out. Braces
// inside JSON strings are ignored, so a "}" within a product name does not
// end the object early. A "{" that never closes is skipped and the scan
// resumes at the next one.
func ExtractObject(out string) (string, error) {
	for offset := 0; offset < len(out); {
		idx := strings.IndexByte(out[offset:], '{')
		if idx < 0 {
			break
		}
		start := offset + idx
		if end, ok := balancedEnd(out, start); ok {
			return out[start:end], nil
		}
		offset = start + 1
	}
	return "", errNoObject
}

// balancedEnd scans from the '{' at start and returns the index just past
// its matching '}'.
func balancedEnd(out string, start int) (int, bool) {
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(out); i++ {
		c := out[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i + 1, true
			}
		}
	}
	return 0, false
}
