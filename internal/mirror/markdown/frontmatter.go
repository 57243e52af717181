package markdown

import (
	"bytes"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/frontmatter"
	"gopkg.in/yaml.v3"
)

// TimeFormat is the timestamp layout written to frontmatter.
const TimeFormat = "2006-01-02T15:04:05.000Z07:00"

// PageMetadata is the page-level metadata carried in a file's frontmatter.
// Empty strings and zero times are treated as absent.
type PageMetadata struct {
	ID               string
	Title            string
	Icon             string
	OneLiner         string
	Summary          string
	SummaryUpdatedAt time.Time
	ParentID         string
	Position         int
	SpaceType        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Tags             []string
}

// rawFrontmatter is the decode-side shape. Times stay strings so a
// hand-edited timestamp cannot reject the whole block.
type rawFrontmatter struct {
	ID               string   `yaml:"id"`
	Title            string   `yaml:"title"`
	Icon             string   `yaml:"icon"`
	OneLiner         string   `yaml:"oneLiner"`
	Summary          string   `yaml:"summary"`
	SummaryUpdatedAt string   `yaml:"summaryUpdatedAt"`
	Parent           string   `yaml:"parent"`
	Position         int      `yaml:"position"`
	SpaceType        string   `yaml:"spaceType"`
	Created          string   `yaml:"created"`
	Updated          string   `yaml:"updated"`
	Tags             []string `yaml:"tags"`
}

var yamlFormat = frontmatter.NewFormat("---", "---", yaml.Unmarshal)

var fmDelim = regexp.MustCompile(`(?m)^---[ \t]*$`)

// hasFrontmatter reports whether src opens with a closed --- block.
func hasFrontmatter(src string) bool {
	if !strings.HasPrefix(src, "---\n") {
		return false
	}
	return fmDelim.MatchString(src[4:])
}

func splitFrontmatter(src string) (PageMetadata, string, error) {
	var raw rawFrontmatter
	body, err := frontmatter.Parse(strings.NewReader(src), &raw, yamlFormat)
	if err != nil {
		return PageMetadata{}, src, fmt.Errorf("failed to parse frontmatter: %w", err)
	}
	return raw.metadata(), string(body), nil
}

func (r rawFrontmatter) metadata() PageMetadata {
	return PageMetadata{
		ID:               strings.TrimSpace(r.ID),
		Title:            r.Title,
		Icon:             r.Icon,
		OneLiner:         r.OneLiner,
		Summary:          r.Summary,
		SummaryUpdatedAt: parseTime(r.SummaryUpdatedAt),
		ParentID:         strings.TrimSpace(r.Parent),
		Position:         r.Position,
		SpaceType:        r.SpaceType,
		CreatedAt:        parseTime(r.Created),
		UpdatedAt:        parseTime(r.Updated),
		Tags:             r.Tags,
	}
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTime(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// encodeFrontmatter renders m as a --- framed YAML block in a fixed key order.
func encodeFrontmatter(m *PageMetadata) (string, error) {
	doc := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, v *yaml.Node) {
		doc.Content = append(doc.Content, str(key), v)
	}

	if m.ID != "" {
		add("id", str(m.ID))
	}
	add("title", str(m.Title))
	if m.Icon != "" {
		add("icon", str(m.Icon))
	}
	if m.OneLiner != "" {
		add("oneLiner", str(m.OneLiner))
	}
	if m.Summary != "" {
		add("summary", str(m.Summary))
		if !m.SummaryUpdatedAt.IsZero() {
			add("summaryUpdatedAt", timestamp(m.SummaryUpdatedAt))
		}
	}
	if m.ParentID != "" {
		add("parent", str(m.ParentID))
	}
	add("position", &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!int", Value: strconv.Itoa(m.Position)})
	if m.SpaceType != "" {
		add("spaceType", str(m.SpaceType))
	}
	if !m.CreatedAt.IsZero() {
		add("created", timestamp(m.CreatedAt))
	}
	if !m.UpdatedAt.IsZero() {
		add("updated", timestamp(m.UpdatedAt))
	}
	if len(m.Tags) > 0 {
		seq := &yaml.Node{Kind: yaml.SequenceNode, Style: yaml.FlowStyle}
		for _, tag := range m.Tags {
			seq.Content = append(seq.Content, str(tag))
		}
		add("tags", seq)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", fmt.Errorf("failed to encode frontmatter: %w", err)
	}
	if err := enc.Close(); err != nil {
		return "", fmt.Errorf("failed to encode frontmatter: %w", err)
	}
	return "---\n" + buf.String() + "---\n", nil
}

func str(s string) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: s}
}

func timestamp(t time.Time) *yaml.Node {
	return &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!timestamp", Value: t.UTC().Format(TimeFormat)}
}

var idLine = regexp.MustCompile(`(?m)^id:.*$`)

// InjectID returns src with its frontmatter id set to id. A missing
// frontmatter block is created. Other keys are left byte-for-byte intact.
func InjectID(src, id string) string {
	src = strings.ReplaceAll(src, "\r\n", "\n")
	line := "id: " + scalar(id)

	if !hasFrontmatter(src) {
		return "---\n" + line + "\n---\n\n" + src
	}

	loc := fmDelim.FindStringIndex(src[4:])
	block := src[4 : 4+loc[0]]
	rest := src[4+loc[0]:]

	if idLine.MatchString(block) {
		block = idLine.ReplaceAllLiteralString(block, line)
		return "---\n" + block + rest
	}
	return "---\n" + line + "\n" + block + rest
}

// scalar renders s as a single-line YAML scalar, quoting when required.
func scalar(s string) string {
	out, err := yaml.Marshal(s)
	if err != nil {
		return strconv.Quote(s)
	}
	return strings.TrimSuffix(string(out), "\n")
}
