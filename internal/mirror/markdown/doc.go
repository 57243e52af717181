// Package markdown converts between the editor's document tree and the
// Markdown dialect used by the mirror directory.
//
// # Document Model
//
// A document is a tree of *Node values rooted at a NodeDocument. Block nodes
// (paragraphs, headings, lists, code blocks, quotes, callouts, toggles,
// tables, images, rules, bookmarks) hold children in Content. Inline text
// nodes hold a string and a set of marks (bold, italic, strike, code, link,
// highlight). The JSON form matches the editor's block JSON, so a Node can be
// decoded straight from a stored block.
//
// # Encoding
//
//	md, err := markdown.Encode(doc, markdown.EncodeOptions{
//	    IncludeFrontmatter: true,
//	    Metadata:           &markdown.PageMetadata{ID: "p1", Title: "Projects"},
//	})
//
// The dialect is CommonMark with GFM tables, strikethrough and task lists,
// plus three extensions:
//
//   - Callouts: "> [!warning] Title" followed by a quoted body
//   - Toggles: an HTML <details> element with a <summary> title
//   - Wikilinks and highlights: [[Target|Display]] and ==text==
//
// Unknown node types contribute only their children. Bookmarks are reduced
// to a link and a quoted description, and decode back as those two blocks.
//
// # Decoding
//
//	d := markdown.Decode(src)
//	if d.FrontmatterErr != nil {
//	    // the whole file was decoded as body
//	}
//
// Decode never fails. Constructs it does not understand are dropped.
// Encode(Decode(Encode(doc)).Doc) is textually equal to Encode(doc), and for
// the supported node types Decode(Encode(doc)).Doc equals doc when marks are
// given in canonical order (link, bold, italic, strike, highlight, code).
package markdown
