package llm

import (
	"errors"
	"regexp"
	"strings"
)

// ErrUnterminatedTag is returned by Flush when the output ends inside a tag.
var ErrUnterminatedTag = errors.New("model output ended inside a tag")

// SegmentKind classifies parsed model output.
type SegmentKind int

const (
	SegmentText SegmentKind = iota
	SegmentFile
	SegmentRun
	SegmentSummary
)

// Segment is one parsed piece of model output.
type Segment struct {
	Kind SegmentKind
	// Text is the prose delta, file content, command line or summary.
	Text string
	// Path is set for files.
	Path string
}

type tagSpec struct {
	kind   SegmentKind
	open   string
	closer string
}

var tags = []tagSpec{
	{kind: SegmentFile, open: "<file", closer: "</file>"},
	{kind: SegmentRun, open: "<run>", closer: "</run>"},
	{kind: SegmentSummary, open: "<summary>", closer: "</summary>"},
}

var fileHeader = regexp.MustCompile(`^<file\s+path\s*=\s*"([^"]+)"\s*>`)

// Parser splits streamed model output into prose, files, commands and the
// summary. Tags may be split across chunks at any byte.
type Parser struct {
	buf  string
	open *tagSpec
	path string
}

// Feed consumes the next chunk and returns every segment it completes.
func (p *Parser) Feed(chunk string) []Segment {
	p.buf += chunk
	var out []Segment
	for {
		if p.open != nil {
			end := strings.Index(p.buf, p.open.closer)
			if end < 0 {
				return out
			}
			out = append(out, p.closeTag(p.buf[:end]))
			p.buf = p.buf[end+len(p.open.closer):]
			p.open = nil
			continue
		}

		idx, spec := nextOpen(p.buf)
		if idx < 0 {
			hold := partialOpen(p.buf)
			if hold < 0 {
				hold = len(p.buf)
			}
			out = appendText(out, p.buf[:hold])
			p.buf = p.buf[hold:]
			return out
		}

		header := len(spec.open)
		if spec.kind == SegmentFile {
			gt := strings.IndexByte(p.buf[idx:], '>')
			if gt < 0 {
				out = appendText(out, p.buf[:idx])
				p.buf = p.buf[idx:]
				return out
			}
			m := fileHeader.FindStringSubmatch(p.buf[idx : idx+gt+1])
			if m == nil {
				// Not a file tag after all, e.g. "<filename>".
				out = appendText(out, p.buf[:idx+1])
				p.buf = p.buf[idx+1:]
				continue
			}
			p.path = m[1]
			header = gt + 1
		}

		out = appendText(out, p.buf[:idx])
		p.buf = p.buf[idx+header:]
		p.open = spec
	}
}

// Flush returns any buffered prose. It fails if a tag is still open.
func (p *Parser) Flush() ([]Segment, error) {
	if p.open != nil {
		return nil, ErrUnterminatedTag
	}
	out := appendText(nil, p.buf)
	p.buf = ""
	return out, nil
}

func (p *Parser) closeTag(body string) Segment {
	switch p.open.kind {
	case SegmentFile:
		body = strings.TrimPrefix(body, "\n")
		body = strings.TrimPrefix(body, "\r\n")
		return Segment{Kind: SegmentFile, Path: strings.TrimSpace(p.path), Text: body}
	default:
		return Segment{Kind: p.open.kind, Text: strings.TrimSpace(body)}
	}
}

func nextOpen(s string) (int, *tagSpec) {
	best := -1
	var found *tagSpec
	for i := range tags {
		if idx := strings.Index(s, tags[i].open); idx >= 0 && (best < 0 || idx < best) {
			best = idx
			found = &tags[i]
		}
	}
	return best, found
}

// partialOpen returns where a possibly incomplete opening tag starts at the
// end of s, or -1.
func partialOpen(s string) int {
	i := strings.LastIndexByte(s, '<')
	if i < 0 {
		return -1
	}
	suffix := s[i:]
	for _, t := range tags {
		if len(suffix) < len(t.open) && strings.HasPrefix(t.open, suffix) {
			return i
		}
	}
	return -1
}

func appendText(out []Segment, s string) []Segment {
	if s == "" {
		return out
	}
	return append(out, Segment{Kind: SegmentText, Text: s})
}
