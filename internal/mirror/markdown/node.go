package markdown

// NodeType tags a document node. The set is closed: encoders and decoders
// switch over these constants and fall back to a node's children for
// anything else.
type NodeType string

const (
	NodeDocument       NodeType = "doc"
	NodeParagraph      NodeType = "paragraph"
	NodeHeading        NodeType = "heading"
	NodeBulletList     NodeType = "bulletList"
	NodeOrderedList    NodeType = "orderedList"
	NodeTaskList       NodeType = "taskList"
	NodeListItem       NodeType = "listItem"
	NodeTaskItem       NodeType = "taskItem"
	NodeCodeBlock      NodeType = "codeBlock"
	NodeBlockquote     NodeType = "blockquote"
	NodeCallout        NodeType = "callout"
	NodeToggle         NodeType = "toggle"
	NodeHorizontalRule NodeType = "horizontalRule"
	NodeImage          NodeType = "image"
	NodeTable          NodeType = "table"
	NodeTableRow       NodeType = "tableRow"
	NodeTableHeader    NodeType = "tableHeader"
	NodeTableCell      NodeType = "tableCell"
	NodeBookmark       NodeType = "bookmark"
	NodeText           NodeType = "text"
	NodeHardBreak      NodeType = "hardBreak"
	NodeWikilink       NodeType = "wikilink"
)

// MarkType tags an inline mark on a text node.
type MarkType string

const (
	MarkBold      MarkType = "bold"
	MarkItalic    MarkType = "italic"
	MarkStrike    MarkType = "strike"
	MarkCode      MarkType = "code"
	MarkLink      MarkType = "link"
	MarkHighlight MarkType = "highlight"
)

var knownTypes = map[NodeType]bool{
	NodeDocument: true, NodeParagraph: true, NodeHeading: true,
	NodeBulletList: true, NodeOrderedList: true, NodeTaskList: true,
	NodeListItem: true, NodeTaskItem: true, NodeCodeBlock: true,
	NodeBlockquote: true, NodeCallout: true, NodeToggle: true,
	NodeHorizontalRule: true, NodeImage: true, NodeTable: true,
	NodeTableRow: true, NodeTableHeader: true, NodeTableCell: true,
	NodeBookmark: true, NodeText: true, NodeHardBreak: true, NodeWikilink: true,
}

// Known reports whether t is one of the supported node types.
func Known(t NodeType) bool {
	return knownTypes[t]
}

// Attrs holds the attributes of every node kind. Only the fields relevant to
// a node's type are set; the JSON names match the editor's block format.
type Attrs struct {
	Level       int    `json:"level,omitempty"`       // heading
	Language    string `json:"language,omitempty"`    // codeBlock
	Checked     bool   `json:"checked,omitempty"`     // taskItem
	Kind        string `json:"type,omitempty"`        // callout
	Title       string `json:"title,omitempty"`       // callout, toggle, image, bookmark
	Src         string `json:"src,omitempty"`         // image
	Alt         string `json:"alt,omitempty"`         // image
	PageName    string `json:"pageName,omitempty"`    // wikilink
	DisplayText string `json:"displayText,omitempty"` // wikilink
	URL         string `json:"url,omitempty"`         // bookmark
	Description string `json:"description,omitempty"` // bookmark
	Href        string `json:"href,omitempty"`        // link mark
}

// Mark is an inline formatting mark.
type Mark struct {
	Type  MarkType `json:"type"`
	Attrs Attrs    `json:"attrs,omitzero"`
}

// Node is one node of a rich document tree.
type Node struct {
	Type    NodeType `json:"type"`
	Attrs   Attrs    `json:"attrs,omitzero"`
	Content []*Node  `json:"content,omitempty"`
	Text    string   `json:"text,omitempty"`
	Marks   []Mark   `json:"marks,omitempty"`
}

// Doc returns a document node holding blocks.
func Doc(blocks ...*Node) *Node {
	return &Node{Type: NodeDocument, Content: blocks}
}

// Paragraph returns a paragraph of inline nodes.
func Paragraph(inline ...*Node) *Node {
	return &Node{Type: NodeParagraph, Content: inline}
}

// Heading returns a heading of the given level.
func Heading(level int, inline ...*Node) *Node {
	return &Node{Type: NodeHeading, Attrs: Attrs{Level: level}, Content: inline}
}

// Text returns a text node carrying marks.
func Text(s string, marks ...Mark) *Node {
	return &Node{Type: NodeText, Text: s, Marks: marks}
}

// Link returns a link mark.
func Link(href string) Mark {
	return Mark{Type: MarkLink, Attrs: Attrs{Href: href}}
}

// PlainText concatenates the text of n and its descendants. Hard breaks
// become newlines and wikilinks contribute their visible label.
func PlainText(n *Node) string {
	if n == nil {
		return ""
	}
	switch n.Type {
	case NodeText:
		return n.Text
	case NodeHardBreak:
		return "\n"
	case NodeWikilink:
		if n.Attrs.DisplayText != "" {
			return n.Attrs.DisplayText
		}
		return n.Attrs.PageName
	}
	var s string
	for _, c := range n.Content {
		s += PlainText(c)
	}
	return s
}

// Walk calls fn for n and every descendant in document order. Returning
// false from fn skips the node's children.
func Walk(n *Node, fn func(*Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	for _, c := range n.Content {
		Walk(c, fn)
	}
}

func sameMarks(a, b []Mark) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func hasMark(marks []Mark, t MarkType) bool {
	for _, m := range marks {
		if m.Type == t {
			return true
		}
	}
	return false
}
