package expr

import "strings"

// keywordAliases maps word operators and capitalised literals accepted in
// rule files onto their CEL spelling.
var keywordAliases = map[string]string{
	"and":   "&&",
	"or":    "||",
	"not":   "!",
	"True":  "true",
	"False": "false",
	"None":  "null",
}

// normalize rewrites keyword aliases outside string literals. Words that
// follow a '.' are field names and are left alone.
func normalize(src string) string {
	var b strings.Builder
	b.Grow(len(src) + 8)

	prev := byte(0) // last non-space byte written
	for i := 0; i < len(src); {
		c := src[i]
		switch {
		case c == '"' || c == '\'':
			end := skipString(src, i)
			b.WriteString(src[i:end])
			prev = c
			i = end
		case isIdentStart(c):
			j := i + 1
			for j < len(src) && isIdentPart(src[j]) {
				j++
			}
			word := src[i:j]
			if alias, ok := keywordAliases[word]; ok && prev != '.' {
				b.WriteByte(' ')
				b.WriteString(alias)
				b.WriteByte(' ')
				prev = alias[len(alias)-1]
			} else {
				b.WriteString(word)
				prev = src[j-1]
			}
			i = j
		default:
			b.WriteByte(c)
			if c != ' ' && c != '\t' && c != '\n' && c != '\r' {
				prev = c
			}
			i++
		}
	}
	return strings.TrimSpace(b.String())
}

// skipString returns the index just past the string literal starting at i.
// Triple-quoted and raw (r-prefixed) literals are handled. An unterminated
// literal runs to the end of input and is reported by the parser.
func skipString(src string, i int) int {
	q := src[i]
	raw := i > 0 && (src[i-1] == 'r' || src[i-1] == 'R')
	triple := i+2 < len(src) && src[i+1] == q && src[i+2] == q
	if triple {
		for j := i + 3; j+2 < len(src); j++ {
			if !raw && src[j] == '\\' {
				j++
				continue
			}
			if src[j] == q && src[j+1] == q && src[j+2] == q {
				return j + 3
			}
		}
		return len(src)
	}
	for j := i + 1; j < len(src); j++ {
		if !raw && src[j] == '\\' {
			j++
			continue
		}
		if src[j] == q {
			return j + 1
		}
	}
	return len(src)
}

func isIdentStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentPart(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}
