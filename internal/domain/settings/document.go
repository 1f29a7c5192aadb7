// Package settings models the contents of a workflow archive: the tree of
// workflow nodes and the XML configuration document each node carries.
// Both trees are arenas addressed by index.
package settings

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// ElemID addresses an element inside a Document.
type ElemID int

// NoElem is the parent of the root element.
const NoElem ElemID = -1

// Element is one XML element of a configuration document. Attribute order
// and namespace prefixes are preserved as read.
type Element struct {
	ID       ElemID
	Parent   ElemID
	Name     xml.Name
	Attrs    []xml.Attr
	Children []ElemID
	Removed  bool
}

// Attr returns the value of the unprefixed attribute name.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Name.Space == "" && a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// Key is the element's "key" attribute.
func (e *Element) Key() string {
	v, _ := e.Attr("key")
	return v
}

// Document is an arena of elements parsed from a settings.xml or workflow.knime file.
type Document struct {
	Elems []Element
	// Modified is set once any element has been removed.
	Modified bool
}

// ErrEmptyDocument is returned for input without a root element.
var ErrEmptyDocument = errors.New("settings document has no root element")

// ParseDocument reads a configuration document. Non UTF-8 encodings declared
// in the XML prolog are transcoded.
func ParseDocument(r io.Reader) (*Document, error) {
	dec := xml.NewDecoder(r)
	dec.CharsetReader = charset.NewReaderLabel

	doc := &Document{}
	cur := NoElem
	for {
		tok, err := dec.RawToken()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse settings xml: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if cur == NoElem && len(doc.Elems) > 0 {
				return nil, errors.New("parse settings xml: multiple root elements")
			}
			id := ElemID(len(doc.Elems))
			doc.Elems = append(doc.Elems, Element{
				ID:     id,
				Parent: cur,
				Name:   t.Name,
				Attrs:  append([]xml.Attr(nil), t.Attr...),
			})
			if cur != NoElem {
				doc.Elems[cur].Children = append(doc.Elems[cur].Children, id)
			}
			cur = id
		case xml.EndElement:
			if cur == NoElem {
				return nil, errors.New("parse settings xml: unbalanced end element")
			}
			cur = doc.Elems[cur].Parent
		case xml.CharData:
			if len(bytes.TrimSpace(t)) > 0 {
				return nil, fmt.Errorf("parse settings xml: unexpected text %q", strings.TrimSpace(string(t)))
			}
		}
	}
	if cur != NoElem {
		return nil, errors.New("parse settings xml: unexpected end of document")
	}
	if len(doc.Elems) == 0 {
		return nil, ErrEmptyDocument
	}
	return doc, nil
}

// Root returns the root element.
func (d *Document) Root() *Element {
	return &d.Elems[0]
}

// Path returns the slash separated key path of id below the root, e.g. "model/data".
func (d *Document) Path(id ElemID) string {
	var keys []string
	for e := &d.Elems[id]; e.Parent != NoElem; e = &d.Elems[e.Parent] {
		keys = append(keys, e.Key())
	}
	for i, j := 0, len(keys)-1; i < j; i, j = i+1, j-1 {
		keys[i], keys[j] = keys[j], keys[i]
	}
	return strings.Join(keys, "/")
}

// Walk visits live elements depth-first in document order. Returning false
// from fn skips the element's children.
func (d *Document) Walk(fn func(e *Element) bool) {
	var visit func(id ElemID)
	visit = func(id ElemID) {
		e := &d.Elems[id]
		if e.Removed {
			return
		}
		if !fn(e) {
			return
		}
		for _, c := range e.Children {
			visit(c)
		}
	}
	visit(0)
}

// Remove drops id and its subtree. The root cannot be removed.
func (d *Document) Remove(id ElemID) bool {
	if id <= 0 || int(id) >= len(d.Elems) || d.Elems[id].Removed {
		return false
	}
	d.Elems[id].Removed = true
	d.Modified = true
	return true
}

// Lookup returns the first live child of the root with the given key path.
func (d *Document) Lookup(path string) (*Element, bool) {
	segs := strings.Split(strings.Trim(path, "/"), "/")
	cur := d.Root()
	for _, seg := range segs {
		var next *Element
		for _, c := range cur.Children {
			ce := &d.Elems[c]
			if !ce.Removed && ce.Key() == seg {
				next = ce
				break
			}
		}
		if next == nil {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

// Encode writes the document as UTF-8 XML, two-space indented.
func (d *Document) Encode(w io.Writer) error {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" encoding="UTF-8"?>` + "\n")
	d.encodeElem(&buf, 0, 0)
	_, err := w.Write(buf.Bytes())
	return err
}

// Bytes returns the encoded document.
func (d *Document) Bytes() []byte {
	var buf bytes.Buffer
	_ = d.Encode(&buf)
	return buf.Bytes()
}

func (d *Document) encodeElem(buf *bytes.Buffer, id ElemID, depth int) {
	e := &d.Elems[id]
	indent := strings.Repeat("  ", depth)
	buf.WriteString(indent)
	buf.WriteByte('<')
	buf.WriteString(qualified(e.Name))
	for _, a := range e.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(qualified(a.Name))
		buf.WriteString(`="`)
		escapeAttr(buf, a.Value)
		buf.WriteByte('"')
	}

	live := make([]ElemID, 0, len(e.Children))
	for _, c := range e.Children {
		if !d.Elems[c].Removed {
			live = append(live, c)
		}
	}
	if len(live) == 0 {
		buf.WriteString("/>\n")
		return
	}
	buf.WriteString(">\n")
	for _, c := range live {
		d.encodeElem(buf, c, depth+1)
	}
	buf.WriteString(indent)
	buf.WriteString("</")
	buf.WriteString(qualified(e.Name))
	buf.WriteString(">\n")
}

func qualified(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

func escapeAttr(buf *bytes.Buffer, v string) {
	for _, r := range v {
		switch r {
		case '&':
			buf.WriteString("&amp;")
		case '<':
			buf.WriteString("&lt;")
		case '>':
			buf.WriteString("&gt;")
		case '"':
			buf.WriteString("&quot;")
		case '\n':
			buf.WriteString("&#xA;")
		case '\r':
			buf.WriteString("&#xD;")
		case '\t':
			buf.WriteString("&#x9;")
		default:
			buf.WriteRune(r)
		}
	}
}
