package markdown

import (
	"regexp"
	"strconv"
	"strings"
)

// Private-use runes stand in for wikilinks and highlight delimiters while
// goldmark parses the body. The parser treats them as ordinary letters.
const (
	wikiOpen  = '\uE000'
	wikiClose = '\uE001'
	markOpen  = '\uE002'
	markClose = '\uE003'

	placeholderRunes = "\uE000\uE001\uE002\uE003"
)

type wikilink struct {
	raw     string
	page    string
	display string
}

// preprocess replaces [[Target|Display]] and ==text== with placeholder
// tokens, line by line, skipping backslash-escaped delimiters.
func preprocess(src string) (string, []wikilink) {
	var links []wikilink
	lines := strings.Split(src, "\n")
	for i, line := range lines {
		if strings.Contains(line, "[[") {
			line = replaceWikilinks(line, &links)
		}
		if strings.Contains(line, "==") {
			line = replaceHighlights(line)
		}
		lines[i] = line
	}
	return strings.Join(lines, "\n"), links
}

func replaceWikilinks(line string, links *[]wikilink) string {
	var b strings.Builder
	for i := 0; i < len(line); {
		if line[i] == '\\' && i+1 < len(line) {
			b.WriteString(line[i : i+2])
			i += 2
			continue
		}
		if strings.HasPrefix(line[i:], "[[") {
			end := strings.Index(line[i+2:], "]]")
			if end > 0 {
				inner := line[i+2 : i+2+end]
				if !strings.ContainsAny(inner, "[]") {
					page, display, _ := strings.Cut(inner, "|")
					page = strings.TrimSpace(page)
					if page != "" {
						*links = append(*links, wikilink{
							raw:     line[i : i+4+end],
							page:    page,
							display: strings.TrimSpace(display),
						})
						b.WriteRune(wikiOpen)
						b.WriteString(strconv.Itoa(len(*links) - 1))
						b.WriteRune(wikiClose)
						i += 4 + end
						continue
					}
				}
			}
		}
		b.WriteByte(line[i])
		i++
	}
	return b.String()
}

// replaceHighlights pairs up unescaped runs of exactly two '=' characters.
// Runs of three or more (setext underlines) are left alone.
func replaceHighlights(line string) string {
	var runs []int
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\\':
			i++
		case '=':
			j := i
			for j < len(line) && line[j] == '=' {
				j++
			}
			if j-i == 2 {
				runs = append(runs, i)
			}
			i = j - 1
		}
	}
	if len(runs) < 2 {
		return line
	}

	var b strings.Builder
	last := 0
	for k := 0; k+1 < len(runs); k += 2 {
		open, close := runs[k], runs[k+1]
		if close == open+2 {
			continue
		}
		b.WriteString(line[last:open])
		b.WriteRune(markOpen)
		b.WriteString(line[open+2 : close])
		b.WriteRune(markClose)
		last = close + 2
	}
	b.WriteString(line[last:])
	return b.String()
}

// restore puts the original source text back in place of placeholders.
// Used for code, URLs and raw HTML where the tokens must not be interpreted.
func restore(s string, links []wikilink) string {
	if !strings.ContainsAny(s, placeholderRunes) {
		return s
	}
	var b strings.Builder
	for len(s) > 0 {
		i := strings.IndexAny(s, placeholderRunes)
		if i < 0 {
			b.WriteString(s)
			break
		}
		b.WriteString(s[:i])
		r := []rune(s[i:])[0]
		s = s[i+len(string(r)):]
		switch r {
		case wikiOpen:
			idx, rest, ok := wikiIndex(s)
			if ok && idx < len(links) {
				b.WriteString(links[idx].raw)
				s = rest
			}
		case markOpen, markClose:
			b.WriteString("==")
		}
	}
	return b.String()
}

// wikiIndex reads "<n>" from the front of s.
func wikiIndex(s string) (int, string, bool) {
	end := strings.IndexRune(s, wikiClose)
	if end < 0 {
		return 0, s, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, s, false
	}
	return n, s[end+len(string(wikiClose)):], true
}

var entityRef = regexp.MustCompile(`^&(#[0-9]+|#[xX][0-9a-fA-F]+|[A-Za-z][A-Za-z0-9]*);`)

// escapeText backslash-escapes characters that would otherwise start inline
// syntax. Line-start block markers are handled by escapeLineStarts.
func escapeText(s string, table bool) string {
	if s == "" {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 8)
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\', '*', '_', '`', '[', ']', '<', '~':
			b.WriteByte('\\')
		case '=':
			if (i > 0 && s[i-1] == '=') || (i+1 < len(s) && s[i+1] == '=') {
				b.WriteByte('\\')
			}
		case '&':
			if entityRef.MatchString(s[i:]) {
				b.WriteByte('\\')
			}
		case '|':
			if table {
				b.WriteByte('\\')
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

var (
	atxStart     = regexp.MustCompile(`^#{1,6}(\s|$)`)
	orderedStart = regexp.MustCompile(`^(\d{1,9})([.)])(\s|$)`)
	ruleLine     = regexp.MustCompile(`^[-=+ ]+$`)
)

// escapeLineStarts neutralises text at the start of each line that a parser
// would read as a block marker.
func escapeLineStarts(s string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		lines[i] = escapeLineStart(line)
	}
	return strings.Join(lines, "\n")
}

func escapeLineStart(line string) string {
	if line == "" {
		return line
	}
	switch {
	case line[0] == '>':
		return `\` + line
	case atxStart.MatchString(line):
		return `\` + line
	case line[0] == '-' || line[0] == '+':
		if len(line) == 1 || line[1] == ' ' || line[1] == '\t' || ruleLine.MatchString(line) {
			return `\` + line
		}
	case line[0] == '=' && ruleLine.MatchString(line):
		return `\` + line
	}
	if m := orderedStart.FindStringSubmatchIndex(line); m != nil {
		return line[:m[4]] + `\` + line[m[4]:]
	}
	return line
}
