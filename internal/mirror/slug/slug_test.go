package slug

import (
	"strings"
	"testing"
)

func TestFile(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"plain", "Projects", "Projects"},
		{"keeps case and spaces", "Project Alpha", "Project Alpha"},
		{"strips question mark", "What is this?", "What is this"},
		{"strips path separators", "a/b\\c", "abc"},
		{"strips all unsafe", `x:*?"<>|#%{}^~` + "`" + `[]y`, "xy"},
		{"collapses whitespace", "  lots \t of\n\nspace  ", "lots of space"},
		{"trims separators and dots", "--._Notes._--", "Notes"},
		{"index name loses underscore", "_index", "index"},
		{"empty", "", Placeholder},
		{"only unsafe", "???", Placeholder},
		{"only dots", "...", Placeholder},
		{"unicode kept", "Café Ünïcode", "Café Ünïcode"},
		{"emoji kept", "🚀 Launch", "🚀 Launch"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := File(tt.title); got != tt.want {
				t.Errorf("File(%q) = %q, want %q", tt.title, got, tt.want)
			}
		})
	}
}

func TestFile_CapsLength(t *testing.T) {
	long := strings.Repeat("ab ", 80)
	got := File(long)
	if n := len([]rune(got)); n > MaxLen {
		t.Fatalf("len = %d, want <= %d", n, MaxLen)
	}
	if strings.HasSuffix(got, " ") {
		t.Errorf("capped slug %q ends with a separator", got)
	}
}

func TestURL(t *testing.T) {
	tests := map[string]string{
		"My Photo (1).PNG": "my-photo-1-png",
		"  hello__world ":  "hello-world",
		"":                 "",
		"Ünï":              "ünï",
	}
	for in, want := range tests {
		if got := URL(in); got != want {
			t.Errorf("URL(%q) = %q, want %q", in, got, want)
		}
	}
}
