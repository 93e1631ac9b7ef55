package dict

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Dictionary is an ordered list of distinct payload tokens.
type Dictionary [][]byte

// Merge appends the tokens of other that d does not hold yet.
func (d Dictionary) Merge(other Dictionary) Dictionary {
	seen := make(map[string]struct{}, len(d))
	for _, tok := range d {
		seen[string(tok)] = struct{}{}
	}
	for _, tok := range other {
		if _, ok := seen[string(tok)]; ok {
			continue
		}
		seen[string(tok)] = struct{}{}
		d = append(d, tok)
	}
	return d
}

// Parse reads AFL-style dictionary content. Every non-empty line that is not
// a comment is either `name="..."`, a bare quoted string, or a 0x-prefixed
// hex token. Quoted strings accept \xNN, \\ and \" escapes.
func Parse(content string) (Dictionary, error) {
	var out Dictionary
	for n, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		tok, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", n+1, err)
		}
		if len(tok) == 0 {
			continue
		}
		out = out.Merge(Dictionary{tok})
	}
	return out, nil
}

func parseLine(line string) ([]byte, error) {
	if strings.HasPrefix(line, "0x") {
		return hexutil.Decode(line)
	}
	if i := strings.IndexByte(line, '"'); i > 0 {
		line = line[i:]
	}
	if len(line) < 2 || line[0] != '"' || line[len(line)-1] != '"' {
		return nil, fmt.Errorf("malformed token %q", line)
	}
	return unescape(line[1 : len(line)-1])
}

func unescape(s string) ([]byte, error) {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] != '\\' {
			out = append(out, s[i])
			continue
		}
		if i+1 >= len(s) {
			return nil, fmt.Errorf("dangling escape in %q", s)
		}
		switch s[i+1] {
		case '\\', '"':
			out = append(out, s[i+1])
			i++
		case 'x':
			if i+3 >= len(s) {
				return nil, fmt.Errorf("short \\x escape in %q", s)
			}
			b, err := strconv.ParseUint(s[i+2:i+4], 16, 8)
			if err != nil {
				return nil, fmt.Errorf("bad \\x escape in %q: %w", s, err)
			}
			out = append(out, byte(b))
			i += 3
		default:
			return nil, fmt.Errorf("unknown escape \\%c in %q", s[i+1], s)
		}
	}
	return out, nil
}
