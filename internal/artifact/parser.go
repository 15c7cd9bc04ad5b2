package artifact

import (
	"strings"

	"atelier/internal/logging"
)

// fileMarker introduces a new file section inside a streamed response.
// Everything after it on the line is the filename.
const fileMarker = "### FILE:"

// EventKind discriminates parser output events.
type EventKind int

const (
	// EventFileStart announces that subsequent content belongs to File.
	EventFileStart EventKind = iota
	// EventContent carries an incremental content fragment for File.
	EventContent
)

// Event is one parser output. Content fragments arrive in stream order and
// concatenate to the exact file body.
type Event struct {
	Kind EventKind
	File string
	Text string
}

// Mode selects how a stream is segmented.
type Mode int

const (
	// ModeFiles splits the stream on file markers. Content before the
	// first marker is commentary and is discarded.
	ModeFiles Mode = iota
	// ModeDocument treats the whole stream as the body of a single file.
	// Markers have no meaning and pass through as content.
	ModeDocument
)

// Parser is an incremental state machine over a streamed model response.
// Feed it fragments as they arrive; it emits file boundaries and content
// as soon as they are unambiguous, holding back only a tail that could
// still turn out to be a marker.
type Parser struct {
	mode      Mode
	buf       strings.Builder
	active    string
	sawMarker bool
	files     []string

	// fallback receives the whole stream when no marker ever appears
	// (an update reply given as bare content). Until the first marker
	// decides the stream's shape, preamble accumulates in pre.
	fallback string
	pre      strings.Builder

	// lineStart records whether the next byte begins a new line. Markers
	// only count at line start; without this a chunk boundary falling
	// inside a line would promote mid-line marker text to a file switch.
	lineStart bool
}

// NewParser returns a parser in file-marker mode with no active file:
// preamble text is discarded until the first marker.
func NewParser() *Parser {
	return &Parser{mode: ModeFiles, lineStart: true}
}

// NewUpdateParser returns a file-marker parser targeting an existing file.
// Models asked for a small edit often reply with bare content and no
// marker; a marker-free stream becomes the target's new content instead of
// being dropped. If markers do appear, the text before the first one is
// commentary as usual.
func NewUpdateParser(target string) *Parser {
	return &Parser{mode: ModeFiles, fallback: target, lineStart: true}
}

// NewDocumentParser returns a parser that streams everything into a single
// named document.
func NewDocumentParser(name string) *Parser {
	return &Parser{mode: ModeDocument, active: name, lineStart: true}
}

// Files lists filenames in the order their markers appeared.
func (p *Parser) Files() []string { return p.files }

// Feed consumes the next stream fragment and returns the events it
// completes. Safe to call with empty fragments.
func (p *Parser) Feed(fragment string) []Event {
	if fragment == "" {
		return nil
	}
	p.buf.WriteString(fragment)
	return p.drain(false)
}

// Flush signals end of stream: the held-back tail is resolved and emitted,
// and a marker-free stream is routed to the fallback target when one was
// set.
func (p *Parser) Flush() []Event {
	events := p.drain(true)

	if !p.sawMarker && p.fallback != "" && p.pre.Len() > 0 {
		events = append(events,
			Event{Kind: EventFileStart, File: p.fallback},
			Event{Kind: EventContent, File: p.fallback, Text: p.pre.String()},
		)
		p.files = append(p.files, p.fallback)
		p.pre.Reset()
		return events
	}

	if p.pre.Len() > 0 {
		logging.Parser().Debugw("discarded preamble before first file marker", "bytes", p.pre.Len())
		p.pre.Reset()
	}
	return events
}

// drain processes complete lines from the buffer. At EOF the remaining
// tail is processed as a final unterminated line.
func (p *Parser) drain(eof bool) []Event {
	data := p.buf.String()
	p.buf.Reset()

	atStart := p.lineStart

	var events []Event
	var pending strings.Builder

	flushPending := func() {
		if pending.Len() == 0 {
			return
		}
		events = p.emit(events, pending.String())
		pending.Reset()
	}

	for {
		idx := strings.IndexByte(data, '\n')
		if idx < 0 {
			break
		}
		line := data[:idx+1]
		data = data[idx+1:]

		if p.mode == ModeFiles && atStart {
			if name, ok := markerName(line); ok {
				flushPending()
				events = p.startFile(events, name)
				continue
			}
		}
		pending.WriteString(line)
		atStart = true
	}

	// data is now an unterminated tail.
	switch {
	case data == "":
	case eof:
		if p.mode == ModeFiles && atStart {
			if name, ok := markerName(data); ok {
				flushPending()
				events = p.startFile(events, name)
				data = ""
			}
		}
		pending.WriteString(data)
	case p.mode == ModeFiles && atStart && mayBecomeMarker(data):
		// Hold it back: the next fragment decides whether this is a
		// marker or ordinary text. lineStart stays true for the
		// buffered tail.
		flushPending()
		p.buf.WriteString(data)
	default:
		pending.WriteString(data)
		atStart = false
	}

	p.lineStart = atStart
	flushPending()
	return events
}

func (p *Parser) startFile(events []Event, name string) []Event {
	if !p.sawMarker && p.pre.Len() > 0 {
		logging.Parser().Debugw("discarded preamble before first file marker", "bytes", p.pre.Len())
		p.pre.Reset()
	}
	p.sawMarker = true
	p.active = name
	p.files = append(p.files, name)
	return append(events, Event{Kind: EventFileStart, File: name})
}

// emit routes a content run to the active file. With no file active the
// run is preamble: it accumulates until the first marker settles its fate.
func (p *Parser) emit(events []Event, text string) []Event {
	if p.active == "" {
		p.pre.WriteString(text)
		return events
	}
	return append(events, Event{Kind: EventContent, File: p.active, Text: text})
}

// markerName reports whether line is a file marker and extracts the name.
// A marker with a blank filename is malformed and treated as content.
func markerName(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, fileMarker) {
		return "", false
	}
	name := strings.TrimSpace(strings.TrimPrefix(trimmed, fileMarker))
	if name == "" {
		return "", false
	}
	return name, true
}

// mayBecomeMarker reports whether an unterminated tail could still grow
// into a file marker line once more of the stream arrives.
func mayBecomeMarker(tail string) bool {
	t := strings.TrimLeft(tail, " \t")
	if t == "" {
		// Pure whitespace could be marker indentation.
		return true
	}
	if len(t) < len(fileMarker) {
		return strings.HasPrefix(fileMarker, t)
	}
	return strings.HasPrefix(t, fileMarker)
}
