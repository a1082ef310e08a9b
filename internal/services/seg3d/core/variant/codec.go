package variant

import (
	"fmt"
	"strconv"
	"strings"

	perrors "github.com/louisbranch/seg3d/internal/platform/errors"
)

func parse(kind Kind, s string) (Value, error) {
	var v Value
	var err error
	switch kind {
	case KindBool:
		var b bool
		if b, err = parseBool(s); err == nil {
			Set(&v, b)
		}
	case KindInt:
		var i int64
		if i, err = strconv.ParseInt(strings.TrimSpace(s), 10, 0); err == nil {
			Set(&v, int(i))
		}
	case KindDouble:
		var f float64
		if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			Set(&v, f)
		}
	case KindString:
		Set(&v, s)
	case KindPoints:
		var pts []Point
		if pts, err = parsePoints(s); err == nil {
			Set(&v, pts)
		}
	case KindStrings:
		var strs []string
		if strs, err = parseStrings(s); err == nil {
			Set(&v, strs)
		}
	default:
		err = fmt.Errorf("unsupported kind %s", kind)
	}
	if err != nil {
		return Value{}, perrors.Wrap(perrors.CodeParse,
			fmt.Sprintf("cannot convert the value '%s' to %s", s, kind), err)
	}
	return v, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q", s)
}

func formatBool(b bool) string {
	return strconv.FormatBool(b)
}

func formatInt(i int) string {
	return strconv.Itoa(i)
}

func formatDouble(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// formatPoints renders [[x,y,z],[x,y,z]].
func formatPoints(pts []Point) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, p := range pts {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "[%s,%s,%s]", formatDouble(p.X), formatDouble(p.Y), formatDouble(p.Z))
	}
	b.WriteByte(']')
	return b.String()
}

func parsePoints(s string) ([]Point, error) {
	body, err := unbracket(strings.TrimSpace(s))
	if err != nil {
		return nil, err
	}
	pts := []Point{}
	body = strings.TrimSpace(body)
	for body != "" {
		if body[0] != '[' {
			return nil, fmt.Errorf("expected '[' at %q", body)
		}
		end := strings.IndexByte(body, ']')
		if end < 0 {
			return nil, fmt.Errorf("unterminated point in %q", body)
		}
		fields := strings.Split(body[1:end], ",")
		if len(fields) != 3 {
			return nil, fmt.Errorf("point %q needs 3 coordinates", body[:end+1])
		}
		var coords [3]float64
		for i, f := range fields {
			if coords[i], err = strconv.ParseFloat(strings.TrimSpace(f), 64); err != nil {
				return nil, err
			}
		}
		pts = append(pts, Point{X: coords[0], Y: coords[1], Z: coords[2]})
		body = strings.TrimSpace(body[end+1:])
		body = strings.TrimSpace(strings.TrimPrefix(body, ","))
	}
	return pts, nil
}

// formatStrings renders [a,b,c], quoting elements that would not survive a
// round trip unquoted.
func formatStrings(strs []string) string {
	quoted := make([]string, len(strs))
	for i, s := range strs {
		if s == "" || strings.ContainsAny(s, ",[]\" \t") {
			s = strconv.Quote(s)
		}
		quoted[i] = s
	}
	return "[" + strings.Join(quoted, ",") + "]"
}

// parseStrings accepts "[a,b]" as well as a bare comma list "a,b".
func parseStrings(s string) ([]string, error) {
	body := strings.TrimSpace(s)
	if strings.HasPrefix(body, "[") {
		var err error
		if body, err = unbracket(body); err != nil {
			return nil, err
		}
	}
	out := []string{}
	if strings.TrimSpace(body) == "" {
		return out, nil
	}
	var cur strings.Builder
	inQuote := false
	flush := func() error {
		item := strings.TrimSpace(cur.String())
		cur.Reset()
		if strings.HasPrefix(item, `"`) {
			unq, err := strconv.Unquote(item)
			if err != nil {
				return fmt.Errorf("bad quoted element %s: %w", item, err)
			}
			item = unq
		}
		out = append(out, item)
		return nil
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		switch {
		case c == '\\' && inQuote && i+1 < len(body):
			cur.WriteByte(c)
			i++
			cur.WriteByte(body[i])
		case c == '"':
			inQuote = !inQuote
			cur.WriteByte(c)
		case c == ',' && !inQuote:
			if err := flush(); err != nil {
				return nil, err
			}
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", s)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func unbracket(s string) (string, error) {
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return "", fmt.Errorf("expected [...] got %q", s)
	}
	return s[1 : len(s)-1], nil
}
