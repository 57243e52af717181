package markdown

import (
	"bytes"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
	"github.com/yuin/goldmark/util"
)

// Decoded is the result of Decode.
type Decoded struct {
	Doc      *Node
	Metadata PageMetadata
	// HasFrontmatter is true when a frontmatter block was found and parsed.
	HasFrontmatter bool
	// FrontmatterErr is set when a frontmatter block was present but could
	// not be parsed; the whole input is then decoded as body.
	FrontmatterErr error
}

// Linkify is left out on purpose: bare URLs stay plain text so they survive
// a round trip unchanged.
var md = goldmark.New(goldmark.WithExtensions(
	extension.Table,
	extension.Strikethrough,
	extension.TaskList,
))

// Decode parses Markdown with optional frontmatter into a document tree.
// It never fails; constructs it does not understand are dropped.
func Decode(src string) Decoded {
	src = strings.ReplaceAll(src, "\r\n", "\n")

	var out Decoded
	body := src
	if hasFrontmatter(src) {
		meta, rest, err := splitFrontmatter(src)
		if err != nil {
			out.FrontmatterErr = err
		} else {
			out.Metadata = meta
			out.HasFrontmatter = true
			body = rest
		}
	}

	prepared, links := preprocess(body)
	d := &decoder{src: []byte(prepared), links: links}
	out.Doc = Doc(d.blocks(d.parse())...)
	return out
}

type decoder struct {
	src   []byte
	links []wikilink
}

func (d *decoder) parse() ast.Node {
	return md.Parser().Parse(text.NewReader(d.src))
}

// fragment decodes a piece of Markdown found inside raw HTML.
func (d *decoder) fragment(s string) []*Node {
	sub := &decoder{src: []byte(s), links: d.links}
	return sub.blocks(sub.parse())
}

var (
	detailsOpen  = regexp.MustCompile(`(?is)^\s*<details\b[^>]*>(.*)$`)
	summaryTag   = regexp.MustCompile(`(?is)^\s*<summary\b[^>]*>(.*?)</summary\s*>(.*)$`)
	detailsClose = regexp.MustCompile(`(?i)</details\s*>`)
	breakTag     = regexp.MustCompile(`(?i)^<br\s*/?>$`)
	markTag      = regexp.MustCompile(`(?i)^<(/?)(strong|b|em|i|del|s|mark)>$`)
	calloutHead  = regexp.MustCompile(`^\[!(\w+)\][ \t]*`)
)

func (d *decoder) blocks(parent ast.Node) []*Node {
	var out []*Node
	for c := parent.FirstChild(); c != nil; {
		if h, ok := c.(*ast.HTMLBlock); ok {
			if m := detailsOpen.FindStringSubmatch(d.html(h)); m != nil {
				var toggle *Node
				toggle, c = d.toggle(m[1], c.NextSibling())
				out = append(out, toggle)
				continue
			}
		}
		out = append(out, d.block(c)...)
		c = c.NextSibling()
	}
	return out
}

func (d *decoder) block(n ast.Node) []*Node {
	switch n := n.(type) {
	case *ast.Paragraph, *ast.TextBlock:
		inline := d.inlineContent(n)
		if len(inline) == 0 {
			return nil
		}
		if len(inline) == 1 && inline[0].Type == NodeImage {
			return inline
		}
		return []*Node{Paragraph(inline...)}

	case *ast.Heading:
		return []*Node{Heading(n.Level, d.inlineContent(n)...)}

	case *ast.List:
		return []*Node{d.list(n)}

	case *ast.FencedCodeBlock:
		code := &Node{Type: NodeCodeBlock, Attrs: Attrs{Language: string(n.Language(d.src))}}
		if s := d.lines(n); s != "" {
			code.Content = []*Node{Text(s)}
		}
		return []*Node{code}

	case *ast.CodeBlock:
		code := &Node{Type: NodeCodeBlock}
		if s := d.lines(n); s != "" {
			code.Content = []*Node{Text(s)}
		}
		return []*Node{code}

	case *ast.Blockquote:
		return []*Node{d.blockquote(n)}

	case *ast.ThematicBreak:
		return []*Node{{Type: NodeHorizontalRule}}

	case *east.Table:
		return []*Node{d.table(n)}

	case *ast.HTMLBlock:
		return nil
	}

	if n.HasChildren() {
		return d.blocks(n)
	}
	return nil
}

func (d *decoder) lines(n ast.Node) string {
	var b strings.Builder
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(d.src))
	}
	return d.restore(strings.TrimSuffix(b.String(), "\n"))
}

func (d *decoder) html(h *ast.HTMLBlock) string {
	var b strings.Builder
	lines := h.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		b.Write(seg.Value(d.src))
	}
	if h.HasClosure() {
		b.Write(h.ClosureLine.Value(d.src))
	}
	return b.String()
}

func (d *decoder) restore(s string) string {
	return restore(s, d.links)
}

// toggle builds a toggle from the text following <details> and the sibling
// blocks up to the matching </details>. It returns the first sibling after
// the toggle.
func (d *decoder) toggle(rest string, next ast.Node) (*Node, ast.Node) {
	t := &Node{Type: NodeToggle}
	if m := summaryTag.FindStringSubmatch(rest); m != nil {
		t.Attrs.Title = html.UnescapeString(strings.TrimSpace(d.restore(m[1])))
		rest = m[2]
	}

	if loc := lastIndex(detailsClose, rest); loc >= 0 {
		t.Content = d.fragment(rest[:loc])
		return finishContainer(t), next
	}
	if strings.TrimSpace(rest) != "" {
		t.Content = append(t.Content, d.fragment(rest)...)
	}

	for next != nil {
		if h, ok := next.(*ast.HTMLBlock); ok {
			raw := d.html(h)
			if m := detailsOpen.FindStringSubmatch(raw); m != nil {
				var inner *Node
				inner, next = d.toggle(m[1], next.NextSibling())
				t.Content = append(t.Content, inner)
				continue
			}
			if loc := detailsClose.FindStringIndex(raw); loc != nil {
				if before := strings.TrimSpace(raw[:loc[0]]); before != "" {
					t.Content = append(t.Content, d.fragment(before)...)
				}
				next = next.NextSibling()
				break
			}
		}
		t.Content = append(t.Content, d.block(next)...)
		next = next.NextSibling()
	}
	return finishContainer(t), next
}

func lastIndex(re *regexp.Regexp, s string) int {
	all := re.FindAllStringIndex(s, -1)
	if len(all) == 0 {
		return -1
	}
	return all[len(all)-1][0]
}

// finishContainer gives an empty callout, toggle or list item the single
// empty paragraph an editor expects.
func finishContainer(n *Node) *Node {
	if len(n.Content) == 0 {
		n.Content = []*Node{Paragraph()}
	}
	return n
}

func (d *decoder) blockquote(bq *ast.Blockquote) *Node {
	children := d.blocks(bq)
	if len(children) == 0 || children[0].Type != NodeParagraph {
		return &Node{Type: NodeBlockquote, Content: children}
	}

	first := children[0].Content
	if len(first) == 0 || first[0].Type != NodeText || len(first[0].Marks) > 0 {
		return &Node{Type: NodeBlockquote, Content: children}
	}
	m := calloutHead.FindStringSubmatchIndex(first[0].Text)
	if m == nil || d.escapedHead(bq) {
		return &Node{Type: NodeBlockquote, Content: children}
	}

	callout := &Node{Type: NodeCallout, Attrs: Attrs{Kind: first[0].Text[m[2]:m[3]]}}
	head := *first[0]
	head.Text = head.Text[m[1]:]
	title, rest := splitFirstLine(append([]*Node{&head}, first[1:]...))
	callout.Attrs.Title = strings.TrimSpace(title)
	if len(rest) > 0 {
		callout.Content = append(callout.Content, Paragraph(rest...))
	}
	callout.Content = append(callout.Content, children[1:]...)
	return finishContainer(callout)
}

// escapedHead reports whether the first line of a quote starts with a
// backslash escape in the source, as in "> \[!note]".
func (d *decoder) escapedHead(bq *ast.Blockquote) bool {
	para := bq.FirstChild()
	if para == nil || para.Lines().Len() == 0 {
		return false
	}
	seg := para.Lines().At(0)
	line := seg.Value(d.src)
	return strings.HasPrefix(strings.TrimLeft(string(line), " \t"), `\`)
}

// splitFirstLine returns the plain text before the first line break and
// the inline nodes after it.
func splitFirstLine(nodes []*Node) (string, []*Node) {
	var title strings.Builder
	for i, n := range nodes {
		switch n.Type {
		case NodeHardBreak:
			return title.String(), trimInline(nodes[i+1:])
		case NodeText:
			if before, after, ok := strings.Cut(n.Text, "\n"); ok {
				title.WriteString(before)
				var rest []*Node
				if after != "" {
					tail := *n
					tail.Text = after
					rest = append(rest, &tail)
				}
				return title.String(), trimInline(append(rest, nodes[i+1:]...))
			}
			title.WriteString(n.Text)
		default:
			title.WriteString(PlainText(n))
		}
	}
	return title.String(), nil
}

func (d *decoder) list(l *ast.List) *Node {
	list := &Node{Type: NodeBulletList}
	if l.IsOrdered() {
		list.Type = NodeOrderedList
	}

	task := false
	for c := l.FirstChild(); c != nil; c = c.NextSibling() {
		li, ok := c.(*ast.ListItem)
		if !ok {
			continue
		}
		item := &Node{Type: NodeListItem}
		if checked, ok := taskState(li); ok && !l.IsOrdered() {
			task = true
			item.Type = NodeTaskItem
			item.Attrs.Checked = checked
		}
		item.Content = d.blocks(li)
		list.Content = append(list.Content, finishContainer(item))
	}

	if task {
		list.Type = NodeTaskList
		for _, item := range list.Content {
			item.Type = NodeTaskItem
		}
	}
	return list
}

func taskState(li *ast.ListItem) (checked, ok bool) {
	first := li.FirstChild()
	if first == nil {
		return false, false
	}
	if box, isBox := first.FirstChild().(*east.TaskCheckBox); isBox {
		return box.IsChecked, true
	}
	return false, false
}

func (d *decoder) table(t *east.Table) *Node {
	table := &Node{Type: NodeTable}
	for r := t.FirstChild(); r != nil; r = r.NextSibling() {
		cellType := NodeTableCell
		if _, ok := r.(*east.TableHeader); ok {
			cellType = NodeTableHeader
		}
		row := &Node{Type: NodeTableRow}
		for _, cell := range tableCells(r) {
			row.Content = append(row.Content, &Node{
				Type:    cellType,
				Content: []*Node{Paragraph(d.inlineContent(cell)...)},
			})
		}
		table.Content = append(table.Content, row)
	}
	return table
}

func tableCells(row ast.Node) []ast.Node {
	var cells []ast.Node
	for c := row.FirstChild(); c != nil; c = c.NextSibling() {
		if inner, ok := c.(*east.TableRow); ok {
			cells = append(cells, tableCells(inner)...)
			continue
		}
		cells = append(cells, c)
	}
	return cells
}

// inlineState carries the open marks while walking inline nodes. Highlight
// placeholders open and close marks independently of the AST nesting.
type inlineState struct {
	marks    []Mark
	out      []*Node
	trimLead bool
}

func (s *inlineState) push(m Mark) {
	s.marks = append(s.marks, m)
}

func (s *inlineState) pop(t MarkType) {
	for i := len(s.marks) - 1; i >= 0; i-- {
		if s.marks[i].Type == t {
			s.marks = append(s.marks[:i], s.marks[i+1:]...)
			return
		}
	}
}

func (s *inlineState) text(str string, extra ...Mark) {
	if str == "" {
		return
	}
	marks := sortMarks(append(append([]Mark(nil), s.marks...), extra...))
	if len(marks) == 0 {
		marks = nil
	}
	s.out = append(s.out, Text(str, marks...))
}

// tagMarks maps inline HTML tags to the marks they stand for.
var tagMarks = map[string]MarkType{
	"strong": MarkBold,
	"b":      MarkBold,
	"em":     MarkItalic,
	"i":      MarkItalic,
	"del":    MarkStrike,
	"s":      MarkStrike,
	"mark":   MarkHighlight,
}

func (d *decoder) inlineContent(n ast.Node) []*Node {
	st := &inlineState{}
	d.inline(n, st)
	return trimInline(mergeText(st.out))
}

func (d *decoder) inline(n ast.Node, st *inlineState) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c := c.(type) {
		case *east.TaskCheckBox:
			st.trimLead = true

		case *ast.Text:
			v := c.Segment.Value(d.src)
			if !c.IsRaw() {
				v = unescape(v)
			}
			d.emit(st, string(v))
			switch {
			case c.HardLineBreak():
				st.out = append(st.out, &Node{Type: NodeHardBreak})
			case c.SoftLineBreak():
				d.emit(st, "\n")
			}

		case *ast.String:
			d.emit(st, string(c.Value))

		case *ast.CodeSpan:
			var b strings.Builder
			for t := c.FirstChild(); t != nil; t = t.NextSibling() {
				if seg, ok := t.(*ast.Text); ok {
					b.Write(seg.Segment.Value(d.src))
					if seg.SoftLineBreak() {
						b.WriteByte(' ')
					}
				} else if str, ok := t.(*ast.String); ok {
					b.Write(str.Value)
				}
			}
			st.trimLead = false
			st.text(d.restore(b.String()), Mark{Type: MarkCode})

		case *ast.Emphasis:
			t := MarkItalic
			if c.Level >= 2 {
				t = MarkBold
			}
			st.push(Mark{Type: t})
			d.inline(c, st)
			st.pop(t)

		case *east.Strikethrough:
			st.push(Mark{Type: MarkStrike})
			d.inline(c, st)
			st.pop(MarkStrike)

		case *ast.Link:
			st.push(Link(d.restore(string(c.Destination))))
			d.inline(c, st)
			st.pop(MarkLink)

		case *ast.AutoLink:
			st.push(Link(string(c.URL(d.src))))
			d.emit(st, string(c.Label(d.src)))
			st.pop(MarkLink)

		case *ast.Image:
			alt := &inlineState{}
			d.inline(c, alt)
			var label strings.Builder
			for _, t := range alt.out {
				label.WriteString(PlainText(t))
			}
			st.out = append(st.out, &Node{Type: NodeImage, Attrs: Attrs{
				Src:   d.restore(string(c.Destination)),
				Alt:   label.String(),
				Title: d.restore(string(util.UnescapePunctuations(c.Title))),
			}})

		case *ast.RawHTML:
			var b strings.Builder
			for i := 0; i < c.Segments.Len(); i++ {
				seg := c.Segments.At(i)
				b.Write(seg.Value(d.src))
			}
			raw := strings.TrimSpace(b.String())
			if breakTag.MatchString(raw) {
				st.out = append(st.out, &Node{Type: NodeHardBreak})
			} else if m := markTag.FindStringSubmatch(raw); m != nil {
				t := tagMarks[strings.ToLower(m[2])]
				if m[1] == "/" {
					st.pop(t)
				} else {
					st.push(Mark{Type: t})
				}
			}

		default:
			d.inline(c, st)
		}
	}
}

// emit appends text, turning placeholder runes back into wikilink nodes and
// highlight mark boundaries.
func (d *decoder) emit(st *inlineState, s string) {
	if st.trimLead {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			return
		}
		st.trimLead = false
	}

	for s != "" {
		i := strings.IndexAny(s, placeholderRunes)
		if i < 0 {
			st.text(s)
			return
		}
		st.text(s[:i])
		r, size := utf8.DecodeRuneInString(s[i:])
		s = s[i+size:]

		switch r {
		case wikiOpen:
			idx, rest, ok := wikiIndex(s)
			if !ok || idx >= len(d.links) {
				continue
			}
			s = rest
			link := d.links[idx]
			st.out = append(st.out, &Node{Type: NodeWikilink, Attrs: Attrs{
				PageName:    link.page,
				DisplayText: link.display,
			}})
		case markOpen:
			st.push(Mark{Type: MarkHighlight})
		case markClose:
			st.pop(MarkHighlight)
		}
	}
}

func mergeText(nodes []*Node) []*Node {
	out := nodes[:0]
	for _, n := range nodes {
		if len(out) > 0 {
			prev := out[len(out)-1]
			if prev.Type == NodeText && n.Type == NodeText && sameMarks(prev.Marks, n.Marks) {
				merged := *prev
				merged.Text += n.Text
				out[len(out)-1] = &merged
				continue
			}
		}
		out = append(out, n)
	}
	return out
}

// trimInline drops line breaks at the edges of an inline run.
func trimInline(nodes []*Node) []*Node {
	for len(nodes) > 0 {
		first := nodes[0]
		if first.Type == NodeHardBreak {
			nodes = nodes[1:]
			continue
		}
		if first.Type == NodeText && strings.HasPrefix(first.Text, "\n") {
			t := *first
			t.Text = strings.TrimLeft(t.Text, "\n")
			if t.Text == "" {
				nodes = nodes[1:]
				continue
			}
			nodes = append([]*Node{&t}, nodes[1:]...)
		}
		break
	}
	for len(nodes) > 0 {
		last := nodes[len(nodes)-1]
		if last.Type == NodeHardBreak {
			nodes = nodes[:len(nodes)-1]
			continue
		}
		if last.Type == NodeText && strings.HasSuffix(last.Text, "\n") {
			t := *last
			t.Text = strings.TrimRight(t.Text, "\n")
			if t.Text == "" {
				nodes = nodes[:len(nodes)-1]
				continue
			}
			nodes = append(nodes[:len(nodes)-1:len(nodes)-1], &t)
		}
		break
	}
	if len(nodes) == 0 {
		return nil
	}
	return nodes
}

// unescape resolves backslash escapes and entity references in one pass so
// that an escaped ampersand never starts an entity.
func unescape(v []byte) []byte {
	if !bytes.ContainsAny(v, `\&`) {
		return v
	}
	out := make([]byte, 0, len(v))
	for i := 0; i < len(v); i++ {
		switch c := v[i]; {
		case c == '\\' && i+1 < len(v) && util.IsPunct(v[i+1]):
			out = append(out, v[i+1])
			i++
		case c == '&':
			if loc := entityRef.FindIndex(v[i:]); loc != nil {
				out = append(out, html.UnescapeString(string(v[i:i+loc[1]]))...)
				i += loc[1] - 1
				continue
			}
			out = append(out, c)
		default:
			out = append(out, c)
		}
	}
	return out
}
