package markdown

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"
)

// EncodeOptions controls Encode.
type EncodeOptions struct {
	// IncludeFrontmatter prepends a YAML block built from Metadata.
	IncludeFrontmatter bool
	Metadata           *PageMetadata
}

// Encode renders doc as Markdown. Unknown node types contribute only their
// children. A bookmark is reduced to a link plus a quoted description and
// decodes back as those two blocks.
func Encode(doc *Node, opts EncodeOptions) (string, error) {
	var e encoder

	var blocks []*Node
	if doc != nil {
		if doc.Type == NodeDocument {
			blocks = doc.Content
		} else {
			blocks = []*Node{doc}
		}
	}

	var out strings.Builder
	framed := opts.IncludeFrontmatter && opts.Metadata != nil
	if framed {
		fm, err := encodeFrontmatter(opts.Metadata)
		if err != nil {
			return "", err
		}
		out.WriteString(fm)
		out.WriteString("\n")
	}

	body := e.blocks(blocks)
	if !framed && strings.HasPrefix(body, "---") && len(blocks) > 0 && blocks[0].Type == NodeHorizontalRule {
		// a leading rule would be read back as a frontmatter fence
		body = "***" + body[3:]
	}
	out.WriteString(body)

	return normalize(out.String()), nil
}

type encoder struct{}

func (e *encoder) blocks(nodes []*Node) string {
	parts := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if s := e.block(n); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "\n\n")
}

func (e *encoder) block(n *Node) string {
	if n == nil {
		return ""
	}
	switch n.Type {
	case NodeParagraph:
		return escapeLineStarts(e.inline(n.Content, inlineCtx{}))

	case NodeHeading:
		level := min(max(n.Attrs.Level, 1), 6)
		text := e.inline(n.Content, inlineCtx{flat: true})
		if strings.HasSuffix(text, "#") {
			text = text[:len(text)-1] + `\#`
		}
		return strings.TrimRight(strings.Repeat("#", level)+" "+text, " ")

	case NodeBulletList, NodeOrderedList, NodeTaskList:
		return e.list(n)

	case NodeListItem, NodeTaskItem:
		return e.listItem(n, "- ")

	case NodeCodeBlock:
		code := PlainText(n)
		fence := codeFence(code)
		return fence + n.Attrs.Language + "\n" + code + "\n" + fence

	case NodeBlockquote:
		return quote(e.blocks(n.Content))

	case NodeCallout:
		kind := calloutKind(n.Attrs.Kind)
		head := "> [!" + kind + "]"
		if t := flatten(n.Attrs.Title); t != "" {
			head += " " + escapeText(t, false)
		}
		body := e.blocks(n.Content)
		if body == "" {
			return head
		}
		return head + "\n>\n" + quote(body)

	case NodeToggle:
		head := "<details>\n<summary>" + escapeHTML(flatten(n.Attrs.Title)) + "</summary>"
		body := e.blocks(n.Content)
		if body == "" {
			return head + "\n\n</details>"
		}
		return head + "\n\n" + body + "\n\n</details>"

	case NodeHorizontalRule:
		return "---"

	case NodeImage:
		return e.image(n)

	case NodeTable:
		return e.table(n)

	case NodeBookmark:
		label := n.Attrs.Title
		if label == "" {
			label = n.Attrs.URL
		}
		s := "[" + escapeText(flatten(label), false) + "](" + destination(n.Attrs.URL) + ")"
		if d := flatten(n.Attrs.Description); d != "" {
			s += "\n\n> " + escapeText(d, false)
		}
		return s

	case NodeText, NodeHardBreak, NodeWikilink:
		return escapeLineStarts(e.inline([]*Node{n}, inlineCtx{}))
	}

	return e.blocks(n.Content)
}

func (e *encoder) list(n *Node) string {
	items := make([]string, 0, len(n.Content))
	for i, item := range n.Content {
		var marker string
		switch n.Type {
		case NodeOrderedList:
			marker = fmt.Sprintf("%d. ", i+1)
		case NodeTaskList:
			marker = "- [ ] "
			if item.Attrs.Checked {
				marker = "- [x] "
			}
		default:
			marker = "- "
		}
		items = append(items, e.listItem(item, marker))
	}
	return strings.Join(items, "\n")
}

// listItem renders the item's blocks under marker. Continuation lines are
// indented to the content column, which for task items is after "- ".
func (e *encoder) listItem(item *Node, marker string) string {
	width := len(marker)
	if strings.HasPrefix(marker, "- [") {
		width = 2
	}

	var body strings.Builder
	for i, c := range item.Content {
		s := e.block(c)
		if s == "" {
			continue
		}
		if body.Len() > 0 {
			if isList(c) && i > 0 && item.Content[i-1].Type == NodeParagraph {
				body.WriteString("\n")
			} else {
				body.WriteString("\n\n")
			}
		}
		body.WriteString(s)
	}

	pad := strings.Repeat(" ", width)
	lines := strings.Split(body.String(), "\n")
	for i, line := range lines {
		switch {
		case i == 0:
			lines[i] = marker + line
		case line != "":
			lines[i] = pad + line
		}
	}
	return strings.TrimRight(strings.Join(lines, "\n"), " ")
}

func isList(n *Node) bool {
	return n.Type == NodeBulletList || n.Type == NodeOrderedList || n.Type == NodeTaskList
}

func (e *encoder) image(n *Node) string {
	s := "![" + escapeText(flatten(n.Attrs.Alt), false) + "](" + destination(n.Attrs.Src)
	if t := flatten(n.Attrs.Title); t != "" {
		s += " " + linkTitle(t)
	}
	return s + ")"
}

func (e *encoder) table(n *Node) string {
	var rows [][]string
	cols := 0
	for _, row := range n.Content {
		var cells []string
		for _, cell := range row.Content {
			var parts []string
			for _, c := range cell.Content {
				if c.Type == NodeParagraph {
					parts = append(parts, e.inline(c.Content, inlineCtx{flat: true, table: true}))
				} else {
					parts = append(parts, e.inline([]*Node{c}, inlineCtx{flat: true, table: true}))
				}
			}
			cells = append(cells, strings.TrimSpace(strings.Join(parts, " ")))
		}
		cols = max(cols, len(cells))
		rows = append(rows, cells)
	}
	if len(rows) == 0 || cols == 0 {
		return ""
	}

	line := func(cells []string) string {
		for len(cells) < cols {
			cells = append(cells, "")
		}
		return "| " + strings.Join(cells, " | ") + " |"
	}
	sep := make([]string, cols)
	for i := range sep {
		sep[i] = "---"
	}

	out := []string{line(rows[0]), line(sep)}
	for _, r := range rows[1:] {
		out = append(out, line(r))
	}
	return strings.Join(out, "\n")
}

type inlineCtx struct {
	flat  bool // headings and table cells: no line breaks
	table bool
}

func (e *encoder) inline(nodes []*Node, ctx inlineCtx) string {
	var b strings.Builder
	for i, n := range nodes {
		switch n.Type {
		case NodeText:
			left, _ := utf8.DecodeLastRuneInString(b.String())
			var right rune
			if i+1 < len(nodes) {
				if next := nodes[i+1]; next.Type == NodeText && len(sortMarks(next.Marks)) == 0 {
					right, _ = utf8.DecodeRuneInString(next.Text)
				}
			}
			b.WriteString(e.text(n, ctx, isWord(left), isWord(right)))
		case NodeHardBreak:
			if ctx.flat {
				b.WriteString(" ")
			} else {
				b.WriteString("\\\n")
			}
		case NodeWikilink:
			b.WriteString("[[" + n.Attrs.PageName)
			if n.Attrs.DisplayText != "" {
				b.WriteString("|" + n.Attrs.DisplayText)
			}
			b.WriteString("]]")
		case NodeImage:
			b.WriteString(e.image(n))
		default:
			b.WriteString(e.inline(n.Content, ctx))
		}
	}
	return b.String()
}

// markRank is the canonical outer-to-inner mark order.
var markRank = map[MarkType]int{
	MarkLink:      0,
	MarkBold:      1,
	MarkItalic:    2,
	MarkStrike:    3,
	MarkHighlight: 4,
	MarkCode:      5,
}

func sortMarks(marks []Mark) []Mark {
	out := make([]Mark, 0, len(marks))
	seen := make(map[MarkType]bool, len(marks))
	for _, m := range marks {
		if _, ok := markRank[m.Type]; !ok || seen[m.Type] {
			continue
		}
		seen[m.Type] = true
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		return markRank[out[i].Type] < markRank[out[j].Type]
	})
	return out
}

// text renders a run of marked text. gluedLeft and gluedRight report a
// letter or digit right outside the run; delimiter runs stacked against one
// would not open or close, so such runs use HTML tags instead.
func (e *encoder) text(n *Node, ctx inlineCtx, gluedLeft, gluedRight bool) string {
	s := n.Text
	if ctx.flat {
		s = strings.ReplaceAll(s, "\n", " ")
	}
	marks := sortMarks(n.Marks)
	if len(marks) == 0 {
		return escapeText(s, ctx.table)
	}

	var inner, lead, trail string
	if hasMark(marks, MarkCode) {
		inner = codeSpan(s)
		if ctx.table {
			inner = strings.ReplaceAll(inner, "|", `\|`)
		}
	} else {
		core := strings.TrimFunc(s, unicode.IsSpace)
		if core == "" {
			return escapeText(s, ctx.table)
		}
		start := strings.Index(s, core)
		lead, trail = s[:start], s[start+len(core):]
		inner = escapeText(core, ctx.table)
	}

	glued := (lead == "" && gluedLeft) || (trail == "" && gluedRight)
	if glued && !hasMark(marks, MarkLink) && stacked(marks) {
		return escapeText(lead, ctx.table) + htmlMarks(marks, inner) + escapeText(trail, ctx.table)
	}

	boldItalic := hasMark(marks, MarkBold) && hasMark(marks, MarkItalic)
	for i := len(marks) - 1; i >= 0; i-- {
		switch m := marks[i]; m.Type {
		case MarkBold:
			if boldItalic {
				inner = "***" + inner + "***"
			} else {
				inner = "**" + inner + "**"
			}
		case MarkItalic:
			if !boldItalic {
				inner = "*" + inner + "*"
			}
		case MarkStrike:
			inner = "~~" + inner + "~~"
		case MarkHighlight:
			inner = "==" + inner + "=="
		case MarkLink:
			inner = "[" + inner + "](" + destination(m.Attrs.Href) + ")"
		}
	}
	return escapeText(lead, ctx.table) + inner + escapeText(trail, ctx.table)
}

// stacked reports whether marks need nested delimiter runs. Bold with
// italic alone is the single run "***".
func stacked(marks []Mark) bool {
	n := len(marks)
	if hasMark(marks, MarkBold) && hasMark(marks, MarkItalic) {
		n--
	}
	return n > 1
}

var htmlTags = map[MarkType]string{
	MarkBold:      "strong",
	MarkItalic:    "em",
	MarkStrike:    "del",
	MarkHighlight: "mark",
}

// htmlMarks wraps inner in tags for every mark but code, which inner
// already carries as a code span.
func htmlMarks(marks []Mark, inner string) string {
	for i := len(marks) - 1; i >= 0; i-- {
		if tag, ok := htmlTags[marks[i].Type]; ok {
			inner = "<" + tag + ">" + inner + "</" + tag + ">"
		}
	}
	return inner
}

func isWord(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// codeSpan wraps s in a backtick run longer than any run inside it.
func codeSpan(s string) string {
	fence := strings.Repeat("`", longestRun(s, '`')+1)
	if strings.HasPrefix(s, "`") || strings.HasSuffix(s, "`") || (strings.HasPrefix(s, " ") && strings.HasSuffix(s, " ") && strings.TrimSpace(s) != "") {
		return fence + " " + s + " " + fence
	}
	return fence + s + fence
}

func codeFence(code string) string {
	return strings.Repeat("`", max(3, longestRun(code, '`')+1))
}

func longestRun(s string, c byte) int {
	best, cur := 0, 0
	for i := 0; i < len(s); i++ {
		if s[i] == c {
			cur++
			best = max(best, cur)
		} else {
			cur = 0
		}
	}
	return best
}

// destination formats a link target, switching to the <...> form when the
// bare form would end early.
func destination(href string) string {
	if href == "" {
		return "<>"
	}
	if !strings.ContainsAny(href, " ()<>\t\n") {
		return href
	}
	r := strings.NewReplacer("<", "%3C", ">", "%3E", "\n", "%0A")
	return "<" + r.Replace(href) + ">"
}

func linkTitle(t string) string {
	switch {
	case !strings.Contains(t, `"`):
		return `"` + t + `"`
	case !strings.Contains(t, "'"):
		return "'" + t + "'"
	default:
		return `"` + strings.ReplaceAll(t, `"`, `\"`) + `"`
	}
}

func quote(body string) string {
	if body == "" {
		return ""
	}
	lines := strings.Split(body, "\n")
	for i, line := range lines {
		if line == "" {
			lines[i] = ">"
		} else {
			lines[i] = "> " + line
		}
	}
	return strings.Join(lines, "\n")
}

var nonWord = regexp.MustCompile(`\W+`)

func calloutKind(kind string) string {
	kind = nonWord.ReplaceAllString(kind, "")
	if kind == "" {
		return "info"
	}
	return kind
}

func flatten(s string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(s), " "))
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// normalize strips trailing whitespace, collapses blank-line runs and ends
// the text with a single newline. Fenced code is left as written.
func normalize(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	var fence string
	blank := 0
	for _, line := range lines {
		if fence != "" {
			out = append(out, line)
			if closesFence(line, fence) {
				fence = ""
			}
			continue
		}
		line = strings.TrimRight(line, " \t")
		if line == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		if f := opensFence(line); f != "" {
			fence = f
		}
		out = append(out, line)
	}
	return strings.Trim(strings.Join(out, "\n"), "\n") + "\n"
}

var fencePrefix = regexp.MustCompile(`^(?:\s*>)*\s*(?:(?:[-+*]|\d{1,9}[.)])\s+)?(?:\[[ xX]\]\s+)?(` + "`{3,}" + `|~{3,})`)

func opensFence(line string) string {
	m := fencePrefix.FindStringSubmatch(line)
	if m == nil {
		return ""
	}
	return m[1]
}

func closesFence(line, fence string) bool {
	m := fencePrefix.FindStringSubmatch(line)
	if m == nil || m[1][0] != fence[0] || len(m[1]) < len(fence) {
		return false
	}
	idx := strings.Index(line, m[1])
	return strings.TrimSpace(line[idx+len(m[1]):]) == ""
}
