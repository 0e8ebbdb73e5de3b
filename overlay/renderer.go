// Package overlay stamps field content onto template PDFs.
//
// For every page that carries at least one field a transparent single-page
// PDF of identical size is drawn with fpdf and merged on top of the
// template page with pdfcpu. Pages without fields pass through untouched.
package overlay

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/types"

	"signflow/templates"
)

var (
	// ErrFieldPage is returned when a field targets a page the template lacks.
	ErrFieldPage = errors.New("overlay: field page out of range")
	// ErrIO wraps failures reading the template or writing the result.
	ErrIO = errors.New("overlay: io failure")
)

const (
	// DateLayout is the format used for date fields.
	DateLayout = "2006-01-02"

	fontFamily  = "Helvetica"
	fontSize    = 11
	placeholder = "Sign here"

	// Overlay pages are the same size as the page they cover, so they are
	// anchored bottom-left without scaling or rotation.
	stampDescription = "position:bl, offset:0 0, scalefactor:1 abs, rotation:0"
)

func init() {
	api.DisableConfigDir()
}

// Content is what gets written into a template's fields.
type Content struct {
	// Signature is the signer's image. Nil renders the placeholder instead.
	Signature  []byte
	ClientName string
	Date       time.Time
}

// Destination persists rendered bytes and reports where they ended up.
type Destination interface {
	Write(data []byte) (string, error)
}

// Renderer composes overlays. The zero value has no render bound.
type Renderer struct {
	timeout time.Duration
}

// NewRenderer returns a Renderer that gives up after timeout (0 disables).
func NewRenderer(timeout time.Duration) *Renderer {
	return &Renderer{timeout: timeout}
}

// Render composes the document and writes it to dest. Composition runs under
// the renderer's wall-clock bound; the write happens only on success.
func (r *Renderer) Render(ctx context.Context, desc templates.Descriptor, content Content, dest Destination) (string, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := r.Compose(ctx, desc, content)
		done <- result{data: data, err: err}
	}()

	select {
	case <-ctx.Done():
		return "", fmt.Errorf("overlay: render %s: %w", desc.Key, ctx.Err())
	case res := <-done:
		if res.err != nil {
			return "", res.err
		}
		path, err := dest.Write(res.data)
		if err != nil {
			return "", fmt.Errorf("%w: write %s: %v", ErrIO, desc.Key, err)
		}
		return path, nil
	}
}

// Compose returns the template with every field filled in. Each overlay is
// stamped as a pdfcpu watermark, so watermark-removal tools can strip it;
// the output is not tamper-evident.
func (r *Renderer) Compose(ctx context.Context, desc templates.Descriptor, content Content) ([]byte, error) {
	src, err := os.ReadFile(desc.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: read template %s: %v", ErrIO, desc.Key, err)
	}

	conf := model.NewDefaultConfiguration()
	dims, err := api.PageDims(bytes.NewReader(src), conf)
	if err != nil {
		return nil, fmt.Errorf("%w: parse template %s: %v", ErrIO, desc.Key, err)
	}

	pages := desc.Pages()
	for _, p := range pages {
		if p < 1 || p > len(dims) {
			return nil, fmt.Errorf("%w: template %s has %d pages, field targets page %d", ErrFieldPage, desc.Key, len(dims), p)
		}
	}

	var signature []byte
	if content.Signature != nil {
		if signature, err = NormalizeImage(content.Signature); err != nil {
			return nil, err
		}
	}

	if len(pages) == 0 {
		return src, nil
	}

	work, err := os.MkdirTemp("", "overlay-*")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer os.RemoveAll(work)

	marks := make(map[int]*model.Watermark, len(pages))
	for _, p := range pages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		layer, err := drawLayer(dims[p-1], desc.FieldsOnPage(p), content, signature)
		if err != nil {
			return nil, fmt.Errorf("overlay: draw page %d of %s: %w", p, desc.Key, err)
		}

		name := filepath.Join(work, fmt.Sprintf("page-%d.pdf", p))
		if err := os.WriteFile(name, layer, 0o600); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrIO, err)
		}

		wm, err := api.PDFWatermark(name, stampDescription, true, false, types.POINTS)
		if err != nil {
			return nil, fmt.Errorf("overlay: prepare stamp for page %d: %w", p, err)
		}
		marks[p] = wm
	}

	var out bytes.Buffer
	if err := api.AddWatermarksMap(bytes.NewReader(src), &out, marks, conf); err != nil {
		return nil, fmt.Errorf("overlay: stamp %s: %w", desc.Key, err)
	}
	return out.Bytes(), nil
}

// drawLayer renders the fields of a single page onto a transparent page the
// size of dim. fpdf measures y from the top, template boxes from the bottom.
func drawLayer(dim types.Dim, fields []templates.Field, content Content, signature []byte) ([]byte, error) {
	pdf := fpdf.NewCustom(&fpdf.InitType{
		OrientationStr: "P",
		UnitStr:        "pt",
		Size:           fpdf.SizeType{Wd: dim.Width, Ht: dim.Height},
	})
	pdf.SetMargins(0, 0, 0)
	pdf.SetAutoPageBreak(false, 0)
	pdf.AddPage()
	pdf.SetFont(fontFamily, "", fontSize)
	tr := pdf.UnicodeTranslatorFromDescriptor("")

	const imageName = "signature"
	if signature != nil {
		pdf.RegisterImageOptionsReader(imageName, fpdf.ImageOptions{ImageType: "PNG"}, bytes.NewReader(signature))
	}

	for _, f := range fields {
		box := f.Placement()
		switch f.(type) {
		case templates.SignatureImage:
			top := dim.Height - box.Y - box.Height
			if signature == nil {
				drawPlaceholder(pdf, box, top)
				continue
			}
			pdf.ImageOptions(imageName, box.X, top, box.Width, box.Height, false, fpdf.ImageOptions{ImageType: "PNG"}, 0, "")
		case templates.ClientNameText:
			pdf.Text(box.X, dim.Height-box.Y, tr(content.ClientName))
		case templates.DateText:
			pdf.Text(box.X, dim.Height-box.Y, content.Date.Format(DateLayout))
		default:
			return nil, fmt.Errorf("unsupported field %T", f)
		}
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func drawPlaceholder(pdf *fpdf.Fpdf, box templates.Box, top float64) {
	pdf.SetDrawColor(150, 150, 150)
	pdf.SetTextColor(150, 150, 150)
	pdf.SetLineWidth(0.8)
	pdf.SetDashPattern([]float64{4, 3}, 0)
	pdf.Rect(box.X, top, box.Width, box.Height, "D")
	pdf.SetDashPattern([]float64{}, 0)

	textWidth := pdf.GetStringWidth(placeholder)
	x := box.X + (box.Width-textWidth)/2
	if x < box.X {
		x = box.X
	}
	pdf.Text(x, top+box.Height/2+fontSize/3, placeholder)
	pdf.SetTextColor(0, 0, 0)
	pdf.SetDrawColor(0, 0, 0)
}
