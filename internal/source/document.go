// Package source parses Python source files into tree-sitter trees and
// applies text splices, reparsing after every edit so the tree always
// reflects the current text.
package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	sitter "github.com/smacker/go-tree-sitter"

	"github.com/phobologic/stackpatch/internal/lang"
	"github.com/phobologic/stackpatch/internal/model"
	"github.com/phobologic/stackpatch/internal/validation"
)

// TabWidth is the number of spaces a leading tab is expanded to on write.
const TabWidth = 4

var (
	// ErrStaleReference is returned when a ConstructReference taken before
	// an edit is used after it.
	ErrStaleReference = errors.New("stale construct reference")

	errSyntax = errors.New("invalid syntax")

	indentUnit = bytes.Repeat([]byte{' '}, TabWidth)
)

// Document is a parsed source file. Its tree is rebuilt from the text after
// every splice; nodes obtained before a splice must not be used after it.
type Document struct {
	path       string
	src        []byte
	parser     *sitter.Parser
	tree       *sitter.Tree
	generation uint64
	retired    []*sitter.Tree
}

// Open reads and parses the file at path.
func Open(path string) (*Document, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, &validation.UnparsableSourceError{Path: path, Cause: err}
	}
	return Parse(path, src)
}

// Parse parses src as the contents of path without touching the filesystem.
func Parse(path string, src []byte) (*Document, error) {
	d := &Document{path: path, parser: lang.Python().NewParser()}
	tree, err := d.parse(src)
	if err != nil {
		d.parser.Close()
		return nil, err
	}
	d.src = src
	d.tree = tree
	return d, nil
}

func (d *Document) parse(src []byte) (*sitter.Tree, error) {
	tree, err := d.parser.ParseCtx(context.Background(), nil, src)
	if err != nil {
		return nil, &validation.UnparsableSourceError{Path: d.path, Cause: err}
	}
	if root := tree.RootNode(); root.HasError() {
		line, col := firstError(root)
		tree.Close()
		return nil, &validation.UnparsableSourceError{Path: d.path, Line: line, Column: col, Cause: errSyntax}
	}
	return tree, nil
}

// firstError returns the 1-based position of the first ERROR or MISSING node.
func firstError(n *sitter.Node) (int, int) {
	if n.Type() == "ERROR" || n.IsMissing() {
		p := n.StartPoint()
		return int(p.Row) + 1, int(p.Column) + 1
	}
	for i := 0; i < int(n.ChildCount()); i++ {
		child := n.Child(i)
		if child.HasError() || child.IsMissing() {
			return firstError(child)
		}
	}
	p := n.StartPoint()
	return int(p.Row) + 1, int(p.Column) + 1
}

// Path returns the file path the document was opened from.
func (d *Document) Path() string { return d.path }

// Bytes returns the current source. The slice must not be modified.
func (d *Document) Bytes() []byte { return d.src }

// String returns the current source as a string.
func (d *Document) String() string { return string(d.src) }

// Root returns the root node of the current tree.
func (d *Document) Root() *sitter.Node { return d.tree.RootNode() }

// Generation increases by one with every successful splice.
func (d *Document) Generation() uint64 { return d.generation }

// Text returns the source text covered by node.
func (d *Document) Text(node *sitter.Node) string {
	return lang.NodeText(node, d.src)
}

// NodeRange returns the byte span of node in the current source.
func (d *Document) NodeRange(node *sitter.Node) (int, int) {
	return int(node.StartByte()), int(node.EndByte())
}

// Reference snapshots node as a ConstructReference bound to the current generation.
func (d *Document) Reference(kind model.ConstructKind, name string, node *sitter.Node) model.ConstructReference {
	start, end := d.NodeRange(node)
	return model.ConstructReference{
		Kind:       kind,
		Name:       name,
		Start:      start,
		End:        end,
		Generation: d.generation,
	}
}

// RangeOf returns the span of a previously located construct.
func (d *Document) RangeOf(ref model.ConstructReference) (int, int, error) {
	if ref.Generation != d.generation {
		return 0, 0, fmt.Errorf("%s in %s: %w", ref, d.path, ErrStaleReference)
	}
	return ref.Start, ref.End, nil
}

// Splice replaces src[start:end] with text and reparses. A splice whose
// result does not parse is rejected and the document is left unchanged.
func (d *Document) Splice(start, end int, text string) error {
	if start < 0 || end < start || end > len(d.src) {
		return fmt.Errorf("splice [%d:%d] out of range for %s (%d bytes)", start, end, d.path, len(d.src))
	}

	next := make([]byte, 0, len(d.src)-(end-start)+len(text))
	next = append(next, d.src[:start]...)
	next = append(next, text...)
	next = append(next, d.src[end:]...)

	tree, err := d.parse(next)
	if err != nil {
		return fmt.Errorf("splicing %s: %w", d.path, err)
	}

	d.retired = append(d.retired, d.tree)
	d.tree = tree
	d.src = next
	d.generation++
	return nil
}

// Apply splices an edit against the current document state.
func (d *Document) Apply(e model.Edit) error {
	return d.Splice(e.Start, e.End, e.Text)
}

// Write persists the source to the document's path, expanding leading tabs.
func (d *Document) Write() error {
	mode := fs.FileMode(0o644)
	if info, err := os.Stat(d.path); err == nil {
		mode = info.Mode().Perm()
	}
	if err := os.WriteFile(d.path, NormalizeIndentation(d.src), mode); err != nil {
		return fmt.Errorf("writing %s: %w", d.path, err)
	}
	return nil
}

// Close releases the parser and every tree produced by the document.
func (d *Document) Close() {
	for _, t := range d.retired {
		t.Close()
	}
	d.retired = nil
	if d.tree != nil {
		d.tree.Close()
		d.tree = nil
	}
	if d.parser != nil {
		d.parser.Close()
		d.parser = nil
	}
}

// NormalizeIndentation replaces tabs in each line's leading whitespace with
// TabWidth spaces. Tabs elsewhere in a line are left alone.
func NormalizeIndentation(src []byte) []byte {
	if !bytes.Contains(src, []byte{'\t'}) {
		return src
	}
	var out bytes.Buffer
	out.Grow(len(src))
	atLineStart := true
	for _, c := range src {
		switch {
		case c == '\n':
			atLineStart = true
			out.WriteByte(c)
		case atLineStart && c == '\t':
			out.Write(indentUnit)
		case atLineStart && c == ' ':
			out.WriteByte(c)
		default:
			atLineStart = false
			out.WriteByte(c)
		}
	}
	return out.Bytes()
}
