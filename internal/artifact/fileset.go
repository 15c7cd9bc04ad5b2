package artifact

import "strings"

// FileSet accumulates parser events into per-file contents, preserving the
// order files first appeared.
type FileSet struct {
	order   []string
	content map[string]*strings.Builder
}

func NewFileSet() *FileSet {
	return &FileSet{content: make(map[string]*strings.Builder)}
}

// Apply folds one event into the set. A repeated FileStart for a known
// name resets that file's content: a later section wins over an earlier
// one, matching replace-on-update semantics.
func (fs *FileSet) Apply(ev Event) {
	switch ev.Kind {
	case EventFileStart:
		if b, ok := fs.content[ev.File]; ok {
			b.Reset()
			return
		}
		fs.order = append(fs.order, ev.File)
		fs.content[ev.File] = &strings.Builder{}
	case EventContent:
		b, ok := fs.content[ev.File]
		if !ok {
			b = &strings.Builder{}
			fs.content[ev.File] = b
			fs.order = append(fs.order, ev.File)
		}
		b.WriteString(ev.Text)
	}
}

// Names returns filenames in first-appearance order.
func (fs *FileSet) Names() []string {
	out := make([]string, len(fs.order))
	copy(out, fs.order)
	return out
}

// Get returns a file's accumulated content.
func (fs *FileSet) Get(name string) (string, bool) {
	b, ok := fs.content[name]
	if !ok {
		return "", false
	}
	return b.String(), true
}

// SplitFiles parses a complete (non-streamed) response into its files.
func SplitFiles(text string) *FileSet {
	p := NewParser()
	fs := NewFileSet()
	for _, ev := range p.Feed(text) {
		fs.Apply(ev)
	}
	for _, ev := range p.Flush() {
		fs.Apply(ev)
	}
	return fs
}
