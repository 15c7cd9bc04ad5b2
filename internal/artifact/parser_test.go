package artifact

import (
	"math/rand"
	"testing"
)

const sampleStream = "Here is the app you asked for.\n" +
	"### FILE: index.html\n" +
	"<!DOCTYPE html>\n<html><body></body></html>\n" +
	"### FILE: style.css\n" +
	"body { margin: 0; }\n" +
	"### FILE: app.js\n" +
	"console.log('ready');"

var sampleFiles = map[string]string{
	"index.html": "<!DOCTYPE html>\n<html><body></body></html>\n",
	"style.css":  "body { margin: 0; }\n",
	"app.js":     "console.log('ready');",
}

// run feeds the stream to a parser in the given chunk sizes and returns the
// assembled files.
func run(p *Parser, stream string, chunks []string) *FileSet {
	fs := NewFileSet()
	for _, c := range chunks {
		for _, ev := range p.Feed(c) {
			fs.Apply(ev)
		}
	}
	for _, ev := range p.Flush() {
		fs.Apply(ev)
	}
	return fs
}

func chunkEvery(s string, n int) []string {
	var out []string
	for len(s) > n {
		out = append(out, s[:n])
		s = s[n:]
	}
	return append(out, s)
}

func checkFiles(t *testing.T, fs *FileSet, want map[string]string) {
	t.Helper()
	if len(fs.Names()) != len(want) {
		t.Fatalf("expected %d files, got %v", len(want), fs.Names())
	}
	for name, body := range want {
		got, ok := fs.Get(name)
		if !ok {
			t.Fatalf("missing file %q", name)
		}
		if got != body {
			t.Errorf("file %q content mismatch:\ngot:  %q\nwant: %q", name, got, body)
		}
	}
}

func TestParser_WholeStream(t *testing.T) {
	fs := run(NewParser(), sampleStream, []string{sampleStream})
	checkFiles(t, fs, sampleFiles)
}

// Segmentation must be invariant under chunking: one byte at a time, fixed
// sizes, and random splits all assemble the same files.
func TestParser_ChunkingInvariance(t *testing.T) {
	for _, n := range []int{1, 2, 3, 7, 16, 64} {
		fs := run(NewParser(), sampleStream, chunkEvery(sampleStream, n))
		checkFiles(t, fs, sampleFiles)
	}

	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		var chunks []string
		rest := sampleStream
		for len(rest) > 0 {
			n := 1 + rng.Intn(len(rest))
			chunks = append(chunks, rest[:n])
			rest = rest[n:]
		}
		fs := run(NewParser(), sampleStream, chunks)
		checkFiles(t, fs, sampleFiles)
	}
}

// A fragment boundary inside the marker itself must not leak marker bytes
// into the previous file.
func TestParser_MarkerSplitAcrossFragments(t *testing.T) {
	fs := run(NewParser(), "", []string{
		"### FILE: a.txt\nalpha\n### FI",
		"LE: b.txt\nbeta\n",
	})
	checkFiles(t, fs, map[string]string{
		"a.txt": "alpha\n",
		"b.txt": "beta\n",
	})
}

func TestParser_PreambleDiscarded(t *testing.T) {
	stream := "Sure! Let me build that.\nHere's the plan:\n### FILE: main.go\npackage main\n"
	fs := run(NewParser(), stream, chunkEvery(stream, 5))
	checkFiles(t, fs, map[string]string{"main.go": "package main\n"})
}

func TestParser_NoMarkersNoFallback(t *testing.T) {
	fs := run(NewParser(), "", []string{"just a chat answer, nothing to build\n"})
	if names := fs.Names(); len(names) != 0 {
		t.Errorf("expected no files, got %v", names)
	}
}

func TestParser_TrailingContentWithoutNewline(t *testing.T) {
	fs := run(NewParser(), "", []string{"### FILE: note.txt\nunterminated last line"})
	checkFiles(t, fs, map[string]string{"note.txt": "unterminated last line"})
}

func TestParser_MarkerAtEOFWithoutNewline(t *testing.T) {
	fs := run(NewParser(), "", []string{"### FILE: a.txt\nbody\n### FILE: empty.txt"})
	checkFiles(t, fs, map[string]string{
		"a.txt":     "body\n",
		"empty.txt": "",
	})
}

// A marker with no filename is malformed and stays in the content stream.
func TestParser_BlankFilenameIsContent(t *testing.T) {
	fs := run(NewParser(), "", []string{"### FILE: a.md\ntext\n### FILE:\nmore text\n"})
	checkFiles(t, fs, map[string]string{
		"a.md": "text\n### FILE:\nmore text\n",
	})
}

// Headings that merely start with ### are ordinary content.
func TestParser_HashHeadingIsContent(t *testing.T) {
	stream := "### FILE: readme.md\n# Title\n### Usage\nrun it\n"
	for _, n := range []int{1, 4, len(stream)} {
		fs := run(NewParser(), stream, chunkEvery(stream, n))
		checkFiles(t, fs, map[string]string{
			"readme.md": "# Title\n### Usage\nrun it\n",
		})
	}
}

// Marker text embedded mid-line (a string literal, say) is content no
// matter where chunk boundaries fall. A split after the opening quote must
// not make the rest of the line look line-initial.
func TestParser_MidLineMarkerTextStaysContent(t *testing.T) {
	stream := "### FILE: a.js\nprint(\"### FILE: x\")\nrest\n"
	want := map[string]string{"a.js": "print(\"### FILE: x\")\nrest\n"}

	fs := run(NewParser(), stream, []string{stream})
	checkFiles(t, fs, want)

	fs = run(NewParser(), stream, []string{"### FILE: a.js\nprint(\"", "### FILE: x\")\nrest\n"})
	checkFiles(t, fs, want)

	for _, n := range []int{1, 3, 9} {
		fs = run(NewParser(), stream, chunkEvery(stream, n))
		checkFiles(t, fs, want)
	}
}

func TestParser_IndentedMarker(t *testing.T) {
	fs := run(NewParser(), "", []string{"  ### FILE: a.txt  \ncontent\n"})
	checkFiles(t, fs, map[string]string{"a.txt": "content\n"})
}

// An update reply with no markers at all is the new content of the file
// being updated.
func TestUpdateParser_MarkerFreeStreamGoesToTarget(t *testing.T) {
	stream := "const x = 2;\nexport default x;\n"
	fs := run(NewUpdateParser("app.js"), stream, chunkEvery(stream, 3))
	checkFiles(t, fs, map[string]string{"app.js": stream})
}

// When markers do appear in an update reply, the preamble is commentary
// and must not touch the target.
func TestUpdateParser_MarkersOverrideFallback(t *testing.T) {
	stream := "I'll update the stylesheet.\n### FILE: style.css\nbody { color: red; }\n"
	fs := run(NewUpdateParser("app.js"), stream, chunkEvery(stream, 6))
	checkFiles(t, fs, map[string]string{"style.css": "body { color: red; }\n"})
	if _, ok := fs.Get("app.js"); ok {
		t.Error("fallback target should be untouched when markers are present")
	}
}

func TestUpdateParser_EmptyStream(t *testing.T) {
	fs := run(NewUpdateParser("app.js"), "", nil)
	if names := fs.Names(); len(names) != 0 {
		t.Errorf("expected no files for an empty stream, got %v", names)
	}
}

// Document mode passes markers through as content untouched.
func TestDocumentParser_MarkersAreContent(t *testing.T) {
	stream := "# Essay\n### FILE: not-a-file.txt\nStill the essay body.\n"
	fs := run(NewDocumentParser("essay.md"), stream, chunkEvery(stream, 4))
	checkFiles(t, fs, map[string]string{"essay.md": stream})
}

func TestSplitFiles(t *testing.T) {
	fs := SplitFiles(sampleStream)
	checkFiles(t, fs, sampleFiles)
	want := []string{"index.html", "style.css", "app.js"}
	got := fs.Names()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("file order mismatch: got %v want %v", got, want)
		}
	}
}

// Re-declaring a file restarts its content rather than appending.
func TestFileSet_RestartReplaces(t *testing.T) {
	fs := NewFileSet()
	for _, ev := range []Event{
		{Kind: EventFileStart, File: "a.txt"},
		{Kind: EventContent, File: "a.txt", Text: "old"},
		{Kind: EventFileStart, File: "a.txt"},
		{Kind: EventContent, File: "a.txt", Text: "new"},
	} {
		fs.Apply(ev)
	}
	got, _ := fs.Get("a.txt")
	if got != "new" {
		t.Errorf("expected restart to replace content, got %q", got)
	}
	if len(fs.Names()) != 1 {
		t.Errorf("restart should not duplicate the name: %v", fs.Names())
	}
}
