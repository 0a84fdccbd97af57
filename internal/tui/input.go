package tui

import "strings"

// lineEditor is the single-line prompt with Up/Down recall.
type lineEditor struct {
	buf    []rune
	cursor int

	recall    []string
	recallIdx int    // len(recall) while editing a fresh line
	draft     string // line being edited before recall started
}

func (e lineEditor) String() string { return string(e.buf) }

// take returns the trimmed line, clears the editor and remembers the line.
func (e *lineEditor) take() string {
	line := strings.TrimSpace(string(e.buf))
	e.buf, e.cursor = nil, 0
	e.draft = ""
	if line != "" {
		e.recall = append(e.recall, line)
	}
	e.recallIdx = len(e.recall)
	return line
}

func (e *lineEditor) insert(r []rune) {
	e.buf, e.cursor = insertRunes(e.buf, e.cursor, r)
}

// key applies an editing key. It reports false for keys it does not handle.
func (e *lineEditor) key(k string) bool {
	switch k {
	case "backspace":
		e.buf, e.cursor = deleteRuneLeft(e.buf, e.cursor)
	case "delete":
		e.buf, e.cursor = deleteRuneRight(e.buf, e.cursor)
	case "left", "ctrl+b":
		e.cursor = max(e.cursor-1, 0)
	case "right", "ctrl+f":
		e.cursor = min(e.cursor+1, len(e.buf))
	case "home", "ctrl+a":
		e.cursor = 0
	case "end", "ctrl+e":
		e.cursor = len(e.buf)
	case "ctrl+k":
		e.buf = append([]rune(nil), e.buf[:e.cursor]...)
	case "ctrl+u":
		e.buf, e.cursor = nil, 0
	case "ctrl+w", "alt+backspace":
		e.buf, e.cursor = deleteWordLeft(e.buf, e.cursor)
	case "up", "ctrl+p":
		e.prev()
	case "down", "ctrl+n":
		e.next()
	default:
		return false
	}
	return true
}

func (e *lineEditor) prev() {
	if len(e.recall) == 0 || e.recallIdx == 0 {
		return
	}
	if e.recallIdx == len(e.recall) {
		e.draft = string(e.buf)
	}
	e.recallIdx--
	e.set(e.recall[e.recallIdx])
}

func (e *lineEditor) next() {
	switch {
	case e.recallIdx < len(e.recall)-1:
		e.recallIdx++
		e.set(e.recall[e.recallIdx])
	case e.recallIdx == len(e.recall)-1:
		e.recallIdx = len(e.recall)
		e.set(e.draft)
	}
}

func (e *lineEditor) set(s string) {
	e.buf = []rune(s)
	e.cursor = len(e.buf)
}

func (e lineEditor) render() string {
	if e.cursor >= len(e.buf) {
		return string(e.buf) + "█"
	}
	return string(e.buf[:e.cursor]) + "█" + string(e.buf[e.cursor:])
}

// printable drops control runes some terminals report inside KeyRunes,
// notably Enter as '\r'.
func printable(in []rune) []rune {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		if r == '\t' || r >= 0x20 {
			out = append(out, r)
		}
	}
	return out
}

func insertRunes(in []rune, cursor int, r []rune) ([]rune, int) {
	cursor = min(max(cursor, 0), len(in))
	out := make([]rune, 0, len(in)+len(r))
	out = append(out, in[:cursor]...)
	out = append(out, r...)
	out = append(out, in[cursor:]...)
	return out, cursor + len(r)
}

func deleteRuneLeft(in []rune, cursor int) ([]rune, int) {
	if cursor <= 0 || len(in) == 0 {
		return in, 0
	}
	cursor = min(cursor, len(in))
	out := append([]rune(nil), in[:cursor-1]...)
	out = append(out, in[cursor:]...)
	return out, cursor - 1
}

func deleteRuneRight(in []rune, cursor int) ([]rune, int) {
	cursor = max(cursor, 0)
	if cursor >= len(in) {
		return in, len(in)
	}
	out := append([]rune(nil), in[:cursor]...)
	out = append(out, in[cursor+1:]...)
	return out, cursor
}

func deleteWordLeft(in []rune, cursor int) ([]rune, int) {
	if len(in) == 0 || cursor <= 0 {
		return in, 0
	}
	cursor = min(cursor, len(in))
	i := cursor
	for i > 0 && isSpace(in[i-1]) {
		i--
	}
	for i > 0 && !isSpace(in[i-1]) {
		i--
	}
	out := append([]rune(nil), in[:i]...)
	out = append(out, in[cursor:]...)
	return out, i
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

// wrap splits text into lines of at most width runes, each prefixed.
func wrap(text, prefix string, width int) []string {
	avail := width - len([]rune(prefix))
	var out []string
	for _, line := range strings.Split(text, "\n") {
		r := []rune(line)
		if width > 0 {
			avail = max(avail, 10)
			for len(r) > avail {
				out = append(out, prefix+string(r[:avail]))
				r = r[avail:]
			}
		}
		out = append(out, prefix+string(r))
	}
	return out
}
