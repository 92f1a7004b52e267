// Package ansi strips terminal escape sequences from build output and
// recolors the result for the console.
package ansi

import (
	"fmt"
	"strings"
)

const esc = '\x1b'

// Strip removes ANSI escape sequences from s.
//
// Handled forms are CSI (ESC [ params intermediates final), OSC
// (ESC ] ... terminated by BEL or ESC \) and two-byte escapes such as
// ESC = or ESC 7. An escape cut off at the end of s is dropped. An ESC
// followed by anything else (a newline, a UTF-8 byte) is dropped alone.
func Strip(s string) string {
	if strings.IndexByte(s, esc) < 0 {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		if s[i] != esc {
			b.WriteByte(s[i])
			i++
			continue
		}
		i = skipEscape(s, i)
	}
	return b.String()
}

// skipEscape returns the index just past the escape sequence starting at i.
func skipEscape(s string, i int) int {
	i++ // ESC
	if i >= len(s) {
		return i
	}
	switch s[i] {
	case '[':
		i++
		// parameter bytes 0x30-0x3F, intermediate bytes 0x20-0x2F
		for i < len(s) && s[i] >= 0x20 && s[i] <= 0x3f {
			i++
		}
		// final byte 0x40-0x7E
		if i < len(s) && s[i] >= 0x40 && s[i] <= 0x7e {
			i++
		}
		return i
	case ']':
		i++
		for i < len(s) {
			switch {
			case s[i] == '\a':
				return i + 1
			case s[i] == esc && i+1 < len(s) && s[i+1] == '\\':
				return i + 2
			}
			i++
		}
		return i
	default:
		switch {
		case s[i] >= 0x30 && s[i] <= 0x7e:
			return i + 1
		case s[i] >= 0x20 && s[i] <= 0x2f:
			// Intermediate (e.g. ESC ( B) followed by a final byte.
			j := i + 1
			for j < len(s) && s[j] >= 0x20 && s[j] <= 0x2f {
				j++
			}
			if j < len(s) && s[j] >= 0x30 && s[j] <= 0x7e {
				return j + 1
			}
			return j
		}
		// Not an escape sequence: drop the ESC, keep what follows.
		return i
	}
}

// Color is a console foreground color.
type Color int

const (
	None Color = iota
	Black
	Red
	Green
	Yellow
	Blue
	Magenta
	Cyan
	White
	BrightBlack
	BrightRed
	BrightGreen
	BrightYellow
	BrightBlue
	BrightMagenta
	BrightCyan
	BrightWhite
)

var colorNames = []string{
	None:          "none",
	Black:         "black",
	Red:           "red",
	Green:         "green",
	Yellow:        "yellow",
	Blue:          "blue",
	Magenta:       "magenta",
	Cyan:          "cyan",
	White:         "white",
	BrightBlack:   "bright-black",
	BrightRed:     "bright-red",
	BrightGreen:   "bright-green",
	BrightYellow:  "bright-yellow",
	BrightBlue:    "bright-blue",
	BrightMagenta: "bright-magenta",
	BrightCyan:    "bright-cyan",
	BrightWhite:   "bright-white",
}

func (c Color) String() string {
	if c < 0 || int(c) >= len(colorNames) {
		return fmt.Sprintf("Color(%d)", int(c))
	}
	return colorNames[c]
}

// ParseColor resolves a color name such as "green" or "bright-cyan".
// Underscores and spaces are accepted in place of the dash.
func ParseColor(name string) (Color, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	n = strings.NewReplacer("_", "-", " ", "-").Replace(n)
	if n == "" {
		return None, nil
	}
	for i, cn := range colorNames {
		if cn == n {
			return Color(i), nil
		}
	}
	return None, fmt.Errorf("unknown color %q", name)
}

// sgr returns the Select Graphic Rendition code for c.
func (c Color) sgr() int {
	switch {
	case c >= Black && c <= White:
		return 30 + int(c-Black)
	case c >= BrightBlack && c <= BrightWhite:
		return 90 + int(c-BrightBlack)
	}
	return 0
}

// Colorize wraps s in the escape codes for c. A trailing line ending stays
// outside the colored span so the reset lands before the newline.
func Colorize(s string, c Color) string {
	if c == None || s == "" {
		return s
	}
	body, tail := s, ""
	if strings.HasSuffix(body, "\r\n") {
		body, tail = body[:len(body)-2], "\r\n"
	} else if strings.HasSuffix(body, "\n") {
		body, tail = body[:len(body)-1], "\n"
	}
	if body == "" {
		return s
	}
	return fmt.Sprintf("\x1b[%dm%s\x1b[0m%s", c.sgr(), body, tail)
}
