package action

import (
	"fmt"
	"strings"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
	"github.com/louisbranch/seg3d/internal/services/seg3d/core/variant"
)

// token is one whitespace-separated word of a command line. When the word
// contains an unquoted '=' the part before it is the key.
type token struct {
	key    string
	value  string
	hasKey bool
}

func syntaxError(format string, args ...any) *perrors.Error {
	return perrors.New(perrors.CodeSyntax, "SYNTAX ERROR: "+fmt.Sprintf(format, args...))
}

// tokenize splits a command line. Double quotes allow backslash escapes,
// single quotes are literal, and a backslash outside quotes escapes the next
// byte.
func tokenize(line string) ([]token, error) {
	var (
		tokens  []token
		cur     strings.Builder
		tok     token
		inWord  bool
		quote   byte
		quoteAt int
	)
	flush := func() {
		if !inWord {
			return
		}
		tok.value = cur.String()
		tokens = append(tokens, tok)
		tok = token{}
		cur.Reset()
		inWord = false
	}

	for i := 0; i < len(line); i++ {
		c := line[i]
		switch {
		case quote == '"':
			switch {
			case c == '\\' && i+1 < len(line):
				i++
				cur.WriteByte(line[i])
			case c == '"':
				quote = 0
			default:
				cur.WriteByte(c)
			}
		case quote == '\'':
			if c == '\'' {
				quote = 0
			} else {
				cur.WriteByte(c)
			}
		case c == ' ' || c == '\t' || c == '\r' || c == '\n':
			flush()
		case c == '"' || c == '\'':
			inWord = true
			quote, quoteAt = c, i
		case c == '\\' && i+1 < len(line):
			inWord = true
			i++
			cur.WriteByte(line[i])
		case c == '=' && !tok.hasKey && cur.Len() > 0:
			tok.key, tok.hasKey = strings.ToLower(cur.String()), true
			cur.Reset()
		default:
			inWord = true
			cur.WriteByte(c)
		}
	}
	if quote != 0 {
		return nil, syntaxError("unterminated %c quote at column %d", quote, quoteAt+1)
	}
	flush()
	return tokens, nil
}

// Quote renders s so the action parser reads it back unchanged as a single
// value.
func Quote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\r\n\"'=\\") {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 2)
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		if s[i] == '"' || s[i] == '\\' {
			b.WriteByte('\\')
		}
		b.WriteByte(s[i])
	}
	b.WriteByte('"')
	return b.String()
}

// exportParams renders "<Type> <args...> <key>=<value>...".
func exportParams(p *Params) string {
	var b strings.Builder
	b.WriteString(p.info.Type())
	for i := range p.args {
		b.WriteByte(' ')
		b.WriteString(Quote(p.args[i].ExportToString()))
	}
	for i, key := range p.info.def.Keys {
		b.WriteByte(' ')
		b.WriteString(key.Name)
		b.WriteByte('=')
		b.WriteString(Quote(p.keys[i].ExportToString()))
	}
	return b.String()
}

// importParams parses line into p. On error p is left unchanged.
func importParams(p *Params, line string) error {
	tokens, err := tokenize(line)
	if err != nil {
		return err
	}
	if len(tokens) == 0 {
		return syntaxError("empty command")
	}
	head := tokens[0]
	if head.hasKey || !strings.EqualFold(head.value, p.info.Type()) {
		return syntaxError("expected action '%s', got '%s'", p.info.Type(), firstWord(line))
	}

	next := newParams(p.info)
	filled := make([]bool, len(next.args))
	nextArg := 0
	for _, tok := range tokens[1:] {
		if !tok.hasKey {
			for nextArg < len(filled) && filled[nextArg] {
				nextArg++
			}
			if nextArg == len(filled) {
				return syntaxError("unexpected argument '%s' (usage: %s)", tok.value, p.info.Usage())
			}
			if err := storeTyped(&next.args[nextArg], p.info.def.Arguments[nextArg].Kind, p.info.def.Arguments[nextArg].Name, tok.value); err != nil {
				return err
			}
			filled[nextArg] = true
			continue
		}
		if idx, ok := p.info.argIndex(tok.key); ok {
			if filled[idx] {
				return syntaxError("argument '%s' given more than once", tok.key)
			}
			if err := storeTyped(&next.args[idx], p.info.def.Arguments[idx].Kind, tok.key, tok.value); err != nil {
				return err
			}
			filled[idx] = true
			continue
		}
		if idx, ok := p.info.keyIndex(tok.key); ok {
			if err := storeTyped(&next.keys[idx], p.info.def.Keys[idx].Kind, tok.key, tok.value); err != nil {
				return err
			}
			continue
		}
		next.ignored = append(next.ignored, tok.key)
	}
	for i, ok := range filled {
		if !ok {
			return syntaxError("missing argument '%s' (usage: %s)", p.info.def.Arguments[i].Name, p.info.Usage())
		}
	}

	p.args, p.keys, p.ignored = next.args, next.keys, next.ignored
	return nil
}

func storeTyped(slot *variant.Value, kind variant.Kind, name, raw string) error {
	v, err := variant.Parse(kind, raw)
	if err != nil {
		return syntaxError("parameter '%s': %v", name, err)
	}
	*slot = v
	return nil
}

func firstWord(line string) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
