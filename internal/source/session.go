package source

import (
	"bytes"

	sitter "github.com/smacker/go-tree-sitter"
)

// Session opens path, runs fn, and writes the document only if fn returned
// nil. A failed session leaves the file on disk untouched.
func Session(path string, fn func(*Document) error) error {
	doc, err := Open(path)
	if err != nil {
		return err
	}
	defer doc.Close()

	if err := fn(doc); err != nil {
		return err
	}
	return doc.Write()
}

// Inspect opens path and runs fn without ever writing.
func Inspect(path string, fn func(*Document) error) error {
	doc, err := Open(path)
	if err != nil {
		return err
	}
	defer doc.Close()
	return fn(doc)
}

// LineStart returns the offset of the first byte of the line containing pos.
func (d *Document) LineStart(pos int) int {
	return bytes.LastIndexByte(d.src[:pos], '\n') + 1
}

// LineEnd returns the offset of the newline ending the line containing pos,
// or len(src) for an unterminated last line.
func (d *Document) LineEnd(pos int) int {
	if i := bytes.IndexByte(d.src[pos:], '\n'); i >= 0 {
		return pos + i
	}
	return len(d.src)
}

// NextLineStart returns the offset just past the line containing pos.
func (d *Document) NextLineStart(pos int) int {
	end := d.LineEnd(pos)
	if end < len(d.src) {
		return end + 1
	}
	return end
}

// Indentation returns the leading whitespace of the line containing pos.
func (d *Document) Indentation(pos int) string {
	start := d.LineStart(pos)
	end := start
	for end < len(d.src) && (d.src[end] == ' ' || d.src[end] == '\t') {
		end++
	}
	return string(d.src[start:end])
}

// LeadingComments returns the start of the run of comment lines directly
// above the line starting at pos that share its indentation, or pos when
// there are none.
func (d *Document) LeadingComments(pos int) int {
	indent := d.Indentation(pos)
	for pos > 0 {
		prev := d.LineStart(pos - 1)
		line := bytes.TrimSpace(d.src[prev:pos])
		if len(line) == 0 || line[0] != '#' || d.Indentation(prev) != indent {
			break
		}
		pos = prev
	}
	return pos
}

// ContentEnd returns node's end offset with trailing whitespace excluded.
func (d *Document) ContentEnd(node *sitter.Node) int {
	start, end := d.NodeRange(node)
	for end > start && isSpace(d.src[end-1]) {
		end--
	}
	return end
}

// BlankBefore reports whether the line preceding the line starting at pos is
// blank, or pos is at the start of the file.
func (d *Document) BlankBefore(pos int) bool {
	if pos == 0 {
		return true
	}
	prev := d.LineStart(pos - 1)
	return len(bytes.TrimSpace(d.src[prev:pos])) == 0
}

// BlankAt reports whether the line starting at pos is blank or pos is at the
// end of the file.
func (d *Document) BlankAt(pos int) bool {
	if pos >= len(d.src) {
		return true
	}
	return len(bytes.TrimSpace(d.src[pos:d.LineEnd(pos)])) == 0
}

// InsertLines inserts a block of whole lines at pos, which must be a line
// start. Exactly one blank line is kept between the block and the
// non-blank lines around it.
func (d *Document) InsertLines(pos int, block string) error {
	text := block
	if len(text) > 0 && text[len(text)-1] != '\n' {
		text += "\n"
	}
	switch {
	case pos > 0 && d.src[pos-1] != '\n':
		// unterminated last line
		prev := d.LineStart(pos)
		if len(bytes.TrimSpace(d.src[prev:pos])) == 0 {
			text = "\n" + text
		} else {
			text = "\n\n" + text
		}
	case !d.BlankBefore(pos):
		text = "\n" + text
	}
	if !d.BlankAt(pos) {
		text += "\n"
	}
	return d.Splice(pos, pos, text)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
