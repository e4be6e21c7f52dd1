package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// DefaultPage is the page legacy layouts migrate into and the root page of
// a fresh document.
const DefaultPage = "home"

// Widget is one positioned control on a page. Fields the backend does not
// interpret are carried in Props and written back untouched. So is the
// original spelling of a known field the typed fields cannot reproduce,
// such as a fractional coordinate or an empty type, for as long as the
// typed field still holds the value it decoded to.
type Widget struct {
	ID    string
	Type  string
	X     int
	Y     int
	W     int
	H     int
	Props map[string]json.RawMessage
}

var widgetKnownKeys = map[string]bool{"id": true, "type": true, "x": true, "y": true, "w": true, "h": true}

var coordKeys = []string{"x", "y", "w", "h"}

// UnmarshalJSON implements json.Unmarshaler
func (w *Widget) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("widget must be an object")
	}

	*w = Widget{}
	if v, ok := raw["id"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &w.ID); err != nil {
			return fmt.Errorf("widget id: %w", err)
		}
	}
	if v, ok := raw["type"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &w.Type); err != nil {
			return fmt.Errorf("widget %q type: %w", w.ID, err)
		}
	}

	for key, dst := range map[string]*int{"x": &w.X, "y": &w.Y, "w": &w.W, "h": &w.H} {
		v, ok := raw[key]
		if !ok || isNull(v) {
			continue
		}
		n, err := decodeCoord(v)
		if err != nil {
			return fmt.Errorf("widget %q %s: %w", w.ID, key, err)
		}
		*dst = n
	}

	for key, v := range raw {
		if widgetKnownKeys[key] && w.reproduces(key, v) {
			continue
		}
		if w.Props == nil {
			w.Props = make(map[string]json.RawMessage)
		}
		w.Props[key] = append(json.RawMessage(nil), v...)
	}
	return nil
}

// reproduces reports whether encoding the typed field for key yields raw.
func (w *Widget) reproduces(key string, raw json.RawMessage) bool {
	var canonical []byte
	switch key {
	case "id":
		canonical, _ = json.Marshal(w.ID)
	case "type":
		if w.Type == "" {
			return false
		}
		canonical, _ = json.Marshal(w.Type)
	default:
		canonical = []byte(strconv.Itoa(w.coord(key)))
	}
	return bytes.Equal(bytes.TrimSpace(raw), canonical)
}

// verbatim reports whether Props holds an original spelling for key that
// still decodes to want.
func (w Widget) verbatim(key string, want any) bool {
	raw, ok := w.Props[key]
	if !ok {
		return false
	}
	switch want := want.(type) {
	case string:
		var s string
		if !isNull(raw) && json.Unmarshal(raw, &s) != nil {
			return false
		}
		return s == want
	case int:
		n := 0
		if !isNull(raw) {
			var err error
			if n, err = decodeCoord(raw); err != nil {
				return false
			}
		}
		return n == want
	}
	return false
}

func (w Widget) coord(key string) int {
	switch key {
	case "x":
		return w.X
	case "y":
		return w.Y
	case "w":
		return w.W
	default:
		return w.H
	}
}

// moveTo takes the geometry of from, including how it was spelled.
func (w *Widget) moveTo(from Widget) {
	w.X, w.Y, w.W, w.H = from.X, from.Y, from.W, from.H
	for _, key := range coordKeys {
		delete(w.Props, key)
		if raw, ok := from.Props[key]; ok {
			if w.Props == nil {
				w.Props = make(map[string]json.RawMessage)
			}
			w.Props[key] = append(json.RawMessage(nil), raw...)
		}
	}
}

// MarshalJSON implements json.Marshaler. Keys come out sorted.
func (w Widget) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(w.Props)+6)
	for k, v := range w.Props {
		out[k] = v
	}
	if !w.verbatim("id", w.ID) {
		out["id"] = w.ID
	}
	if !w.verbatim("type", w.Type) {
		if w.Type != "" {
			out["type"] = w.Type
		} else {
			delete(out, "type")
		}
	}
	for _, key := range coordKeys {
		if n := w.coord(key); !w.verbatim(key, n) {
			out[key] = n
		}
	}
	return json.Marshal(out)
}

// Prop decodes a backend-defined property into v. It reports false when the
// property is absent.
func (w Widget) Prop(key string, v any) (bool, error) {
	raw, ok := w.Props[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, v)
}

// Clone returns a deep copy.
func (w Widget) Clone() Widget {
	c := w
	if w.Props != nil {
		c.Props = make(map[string]json.RawMessage, len(w.Props))
		for k, v := range w.Props {
			c.Props[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

// Document is the persisted per-device layout. Top-level keys other than
// rootPage and pages survive a load/save cycle.
type Document struct {
	RootPage string
	Pages    map[string][]Widget
	Extra    map[string]json.RawMessage
}

// DefaultDocument returns the empty document served to unknown devices
func DefaultDocument() *Document {
	return &Document{
		RootPage: DefaultPage,
		Pages:    map[string][]Widget{DefaultPage: {}},
	}
}

// UnmarshalJSON implements json.Unmarshaler
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return fmt.Errorf("document must be an object")
	}

	*d = Document{}
	if v, ok := raw["rootPage"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &d.RootPage); err != nil {
			return fmt.Errorf("rootPage: %w", err)
		}
	}
	if v, ok := raw["pages"]; ok && !isNull(v) {
		if err := json.Unmarshal(v, &d.Pages); err != nil {
			return fmt.Errorf("pages: %w", err)
		}
	}
	for key, v := range raw {
		if key == "rootPage" || key == "pages" {
			continue
		}
		if d.Extra == nil {
			d.Extra = make(map[string]json.RawMessage)
		}
		d.Extra[key] = append(json.RawMessage(nil), v...)
	}
	d.normalize()
	return nil
}

// MarshalJSON implements json.Marshaler
func (d Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(d.Extra)+2)
	for k, v := range d.Extra {
		out[k] = v
	}
	out["rootPage"] = d.RootPage

	pages := d.Pages
	if pages == nil {
		pages = map[string][]Widget{}
	}
	// nil slices would encode as null; clients iterate pages unconditionally
	fixed := make(map[string][]Widget, len(pages))
	for id, widgets := range pages {
		if widgets == nil {
			widgets = []Widget{}
		}
		fixed[id] = widgets
	}
	out["pages"] = fixed
	return json.Marshal(out)
}

// Page returns the widgets of a page, or nil when the page does not exist
func (d *Document) Page(id string) []Widget {
	return d.Pages[id]
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	c := &Document{RootPage: d.RootPage}
	if d.Pages != nil {
		c.Pages = make(map[string][]Widget, len(d.Pages))
		for id, widgets := range d.Pages {
			cp := make([]Widget, len(widgets))
			for i, w := range widgets {
				cp[i] = w.Clone()
			}
			c.Pages[id] = cp
		}
	}
	if d.Extra != nil {
		c.Extra = make(map[string]json.RawMessage, len(d.Extra))
		for k, v := range d.Extra {
			c.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return c
}

func (d *Document) normalize() {
	if d.RootPage == "" {
		d.RootPage = DefaultPage
	}
	if d.Pages == nil {
		d.Pages = map[string][]Widget{}
	}
	if _, ok := d.Pages[d.RootPage]; !ok {
		d.Pages[d.RootPage] = []Widget{}
	}
	for id, widgets := range d.Pages {
		if widgets == nil {
			d.Pages[id] = []Widget{}
		}
	}
}

// decodeDocument parses a stored profile, upgrading the legacy flat
// {"layout": [...]} shape. migrated reports whether an upgrade happened.
func decodeDocument(data []byte) (doc *Document, migrated bool, err error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, false, err
	}
	if raw == nil {
		return nil, false, fmt.Errorf("profile must be an object")
	}

	legacy, hasLayout := raw["layout"]
	_, hasPages := raw["pages"]
	if hasLayout && !hasPages {
		var widgets []Widget
		if !isNull(legacy) {
			if err := json.Unmarshal(legacy, &widgets); err != nil {
				return nil, false, fmt.Errorf("legacy layout: %w", err)
			}
		}
		delete(raw, "layout")
		delete(raw, "rootPage")

		doc = &Document{
			RootPage: DefaultPage,
			Pages:    map[string][]Widget{DefaultPage: widgets},
		}
		for k, v := range raw {
			if doc.Extra == nil {
				doc.Extra = make(map[string]json.RawMessage)
			}
			doc.Extra[k] = v
		}
		doc.normalize()
		return doc, true, nil
	}

	doc = &Document{}
	if err := json.Unmarshal(data, doc); err != nil {
		return nil, false, err
	}
	return doc, false, nil
}

func decodeCoord(v json.RawMessage) (int, error) {
	var f float64
	if err := json.Unmarshal(v, &f); err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("not a finite number")
	}
	return int(math.Round(f)), nil
}

func isNull(v json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}
