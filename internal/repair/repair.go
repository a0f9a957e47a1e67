// Package repair implements the tolerant XML reader and canonicalizer that
// make up the Repair & Canonicalization component of the message plane.
//
// LLM-authored payloads are not guaranteed to be well-formed XML: a
// mistrusted handler may emit an unclosed tag, a stray ampersand, or garbage
// trailing a valid element. Repair best-effort reconstructs a tree from that
// kind of dirty input rather than rejecting it outright — rejection would
// deny an agent the self-correction loop the rest of the pipeline is built
// to support. Canonicalize then produces a stable byte form of a tree for
// signing and for the idempotence property pipeline stages rely on.
//
// Called by: internal/pipeline (repair, canonicalize steps),
// internal/postprocess (synthetic-root child enumeration).
package repair

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/go-xmlfmt/xmlfmt"
)

// Node is a tolerant tree representation of one XML element; Attrs keep
// their source order (Canonicalize sorts them when serializing). Unlike encoding/xml's struct-tag decoding, Node carries no
// knowledge of any particular payload schema — it is the shape repair
// recovers before internal/schema ever sees the bytes.
type Node struct {
	Name     string
	Attrs    []xml.Attr
	Children []*Node
	Text     string
}

// Attr looks up an attribute by local name, ignoring namespace. Returns ""
// and false if absent.
func (n *Node) Attr(name string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Child returns the first immediate child with the given element name, or
// nil if there is none.
func (n *Node) Child(name string) *Node {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// Repair parses data into a Node tree, tolerating malformed input. It never
// returns an error on recoverable damage: unparseable tokens are skipped,
// and any element still open when the token stream runs dry is closed at
// end of input. Repair returns an error only when the stream yields no
// usable element at all (e.g. empty input, or input with no XML start tag
// whatsoever) — callers on that path are expected to substitute a `<huh>`
// diagnostic rather than propagate the error further (spec.md §4.2/§4.5).
func Repair(data []byte) (*Node, error) {
	rest := data
	newDecoder := func() *xml.Decoder {
		d := xml.NewDecoder(bytes.NewReader(rest))
		d.Strict = false
		d.AutoClose = xml.HTMLAutoClose
		d.Entity = xml.HTMLEntity
		return d
	}
	dec := newDecoder()

	var stack []*Node
	var root *Node

	for {
		// RawToken hands a stray end tag to the EndElement case below as-is;
		// Token would rewrite it into an end tag for the open element.
		tok, err := dec.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			// Skip past the offending input and keep reading with a fresh
			// decoder (a Decoder that has failed stays failed); a single
			// malformed token must not sink the whole document.
			rest = rest[max(int(dec.InputOffset()), 1):]
			dec = newDecoder()
			continue
		}

		switch t := tok.(type) {
		case xml.StartElement:
			n := &Node{Name: t.Name.Local, Attrs: append([]xml.Attr(nil), t.Attr...)}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, n)
			} else if root == nil {
				root = n
			}
			stack = append(stack, n)

		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			// Close the innermost open element matching this name if found,
			// discarding any still-deeper unclosed elements — they are
			// implicitly closed along with it. If no match is found at all,
			// the end tag is a stray and is ignored.
			idx := -1
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].Name == t.Name.Local {
					idx = i
					break
				}
			}
			if idx >= 0 {
				stack = stack[:idx]
			}

		case xml.CharData:
			if len(stack) > 0 {
				text := strings.TrimSpace(string(t))
				if text != "" {
					stack[len(stack)-1].Text += text
				}
			}
		}
	}

	if root == nil {
		return nil, fmt.Errorf("repair: no usable element found in input")
	}
	return root, nil
}

// Canonicalize produces a stable byte form of a tree: attributes sorted
// lexically by local name, insignificant whitespace dropped, re-serialized
// and run through xmlfmt's formatter in compact (no added indentation) mode.
// canonicalize(canonicalize(x)) == canonicalize(x) for any tree Repair can
// produce, since sorting and whitespace stripping are themselves idempotent.
func Canonicalize(n *Node) []byte {
	var buf bytes.Buffer
	writeNode(&buf, n)
	formatted := xmlfmt.FormatXML(buf.String(), "", "", true)
	return []byte(strings.TrimSpace(formatted))
}

func writeNode(buf *bytes.Buffer, n *Node) {
	attrs := append([]xml.Attr(nil), n.Attrs...)
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].Name.Local < attrs[j].Name.Local })

	buf.WriteByte('<')
	buf.WriteString(n.Name)
	for _, a := range attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Name.Local)
		buf.WriteString(`="`)
		xml.EscapeText(buf, []byte(a.Value))
		buf.WriteByte('"')
	}

	if len(n.Children) == 0 && n.Text == "" {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	if n.Text != "" {
		xml.EscapeText(buf, []byte(n.Text))
	}
	for _, c := range n.Children {
		writeNode(buf, c)
	}
	buf.WriteString("</")
	buf.WriteString(n.Name)
	buf.WriteByte('>')
}

// ToXML re-serializes a Node back into ordinary (non-canonical) XML bytes,
// used when a repaired tree must be re-validated through internal/schema
// rather than merely compared or signed.
func ToXML(n *Node) []byte {
	var buf bytes.Buffer
	writeNode(&buf, n)
	return buf.Bytes()
}
