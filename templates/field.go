// Package templates resolves template identifiers to a source PDF and the
// positioned fields that get filled when a request is previewed or signed.
package templates

import "sort"

// Kind names a field variant as it appears in configuration.
type Kind string

const (
	KindSignatureImage Kind = "signature-image"
	KindClientNameText Kind = "client-name-text"
	KindDateText       Kind = "date-text"
)

// Box places a field on a page. Coordinates use the template's native
// space (points, origin at the bottom-left corner of the page).
type Box struct {
	Page   int
	X      float64
	Y      float64
	Width  float64
	Height float64
}

// Field is one slot on a template page. The set of implementations is
// closed: SignatureImage, ClientNameText and DateText.
type Field interface {
	Kind() Kind
	Placement() Box
	sealed()
}

// SignatureImage is stamped with the signer's image scaled to Width x Height.
type SignatureImage struct{ Box }

// ClientNameText receives the stored client name, left-anchored at X/Y.
type ClientNameText struct{ Box }

// DateText receives the signing date (YYYY-MM-DD), left-anchored at X/Y.
type DateText struct{ Box }

func (f SignatureImage) Kind() Kind     { return KindSignatureImage }
func (f SignatureImage) Placement() Box { return f.Box }
func (SignatureImage) sealed()          {}

func (f ClientNameText) Kind() Kind     { return KindClientNameText }
func (f ClientNameText) Placement() Box { return f.Box }
func (ClientNameText) sealed()          {}

func (f DateText) Kind() Kind     { return KindDateText }
func (f DateText) Placement() Box { return f.Box }
func (DateText) sealed()          {}

// Descriptor is the resolved form of a template: where its PDF lives and
// which fields it carries, in configuration order.
type Descriptor struct {
	Key    string
	Path   string
	Fields []Field
}

// Pages returns the distinct pages referenced by at least one field, ascending.
func (d Descriptor) Pages() []int {
	seen := make(map[int]struct{}, len(d.Fields))
	pages := make([]int, 0, len(d.Fields))
	for _, f := range d.Fields {
		p := f.Placement().Page
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		pages = append(pages, p)
	}
	sort.Ints(pages)
	return pages
}

// FieldsOnPage returns the fields targeting page in descriptor order.
func (d Descriptor) FieldsOnPage(page int) []Field {
	var out []Field
	for _, f := range d.Fields {
		if f.Placement().Page == page {
			out = append(out, f)
		}
	}
	return out
}
