// Package pdf renders the signed copy of a completed agreement.
package pdf

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/go-pdf/fpdf"

	"muwise.app/internal/agreement"
)

// ContentType is the media type of rendered documents.
const ContentType = "application/pdf"

// Renderer turns an agreement into a document.
type Renderer interface {
	Render(a *agreement.Agreement) ([]byte, error)
}

// Fpdf renders A4 documents with the signatures embedded as images.
type Fpdf struct {
	// Now stamps the document; defaults to time.Now.
	Now func() time.Time
}

var _ Renderer = Fpdf{}

func (f Fpdf) Render(a *agreement.Agreement) ([]byte, error) {
	if a == nil {
		return nil, fmt.Errorf("render: nil agreement")
	}
	now := time.Now
	if f.Now != nil {
		now = f.Now
	}
	stamp := now().UTC()

	doc := fpdf.New("P", "mm", "A4", "")
	tr := doc.UnicodeTranslatorFromDescriptor("")
	doc.SetTitle(a.Title, true)
	doc.SetCreator("muwise", true)
	doc.SetCreationDate(stamp)
	doc.SetMargins(20, 20, 20)
	doc.SetAutoPageBreak(true, 20)
	doc.AddPage()

	doc.SetFont("Helvetica", "B", 18)
	doc.MultiCell(0, 9, tr(titleOf(a)), "", "L", false)
	doc.Ln(2)

	doc.SetFont("Helvetica", "", 9)
	doc.SetTextColor(90, 90, 90)
	meta := []string{"Agreement " + a.ID}
	if a.Category != "" {
		meta = append(meta, a.Category)
	}
	if a.CompletedAt != nil {
		meta = append(meta, "Completed "+a.CompletedAt.UTC().Format(time.RFC1123))
	}
	doc.CellFormat(0, 5, tr(strings.Join(meta, "  |  ")), "", 1, "L", false, 0, "")
	doc.SetTextColor(0, 0, 0)
	doc.Ln(4)

	if a.Description != "" {
		doc.SetFont("Helvetica", "I", 11)
		doc.MultiCell(0, 6, tr(a.Description), "", "L", false)
		doc.Ln(3)
	}
	if a.Content != "" {
		doc.SetFont("Helvetica", "", 11)
		doc.MultiCell(0, 6, tr(a.Content), "", "J", false)
		doc.Ln(6)
	}

	doc.SetFont("Helvetica", "B", 13)
	doc.CellFormat(0, 8, "Signatures", "B", 1, "L", false, 0, "")
	doc.Ln(3)

	for i, s := range a.Signers {
		f.signatureBlock(doc, tr, i, s)
	}

	doc.SetY(-25)
	doc.SetFont("Helvetica", "", 8)
	doc.SetTextColor(120, 120, 120)
	doc.CellFormat(0, 4, tr("Generated "+stamp.Format(time.RFC3339)), "", 0, "C", false, 0, "")

	var buf bytes.Buffer
	if err := doc.Output(&buf); err != nil {
		return nil, fmt.Errorf("render agreement %s: %w", a.ID, err)
	}
	return buf.Bytes(), nil
}

func (f Fpdf) signatureBlock(doc *fpdf.Fpdf, tr func(string) string, idx int, s agreement.Signer) {
	const blockHeight = 38
	_, pageHeight := doc.GetPageSize()
	_, _, _, bottom := doc.GetMargins()
	if doc.GetY()+blockHeight > pageHeight-bottom {
		doc.AddPage()
	}
	top := doc.GetY()

	doc.SetFont("Helvetica", "B", 11)
	doc.CellFormat(90, 6, tr(s.Name), "", 2, "L", false, 0, "")
	doc.SetFont("Helvetica", "", 10)
	doc.CellFormat(90, 5, tr(s.Role), "", 2, "L", false, 0, "")
	doc.CellFormat(90, 5, tr(s.Email), "", 2, "L", false, 0, "")
	if s.SignedAt != nil {
		doc.CellFormat(90, 5, tr("Signed "+s.SignedAt.UTC().Format(time.RFC1123)), "", 2, "L", false, 0, "")
	} else {
		doc.CellFormat(90, 5, "Not signed", "", 2, "L", false, 0, "")
	}

	if s.Signed {
		if !embedSignature(doc, fmt.Sprintf("sig-%d", idx), s.Signature, 115, top, 70, 28) {
			doc.SetXY(115, top+10)
			doc.SetFont("Helvetica", "I", 10)
			doc.CellFormat(70, 6, "Signature on file", "", 0, "L", false, 0, "")
		}
	}
	doc.Line(115, top+30, 185, top+30)
	doc.SetXY(20, top+blockHeight)
}

func embedSignature(doc *fpdf.Fpdf, name, dataURL string, x, y, w, h float64) bool {
	mediaType, data, err := agreement.ParseSignature(dataURL)
	if err != nil {
		return false
	}
	kind := "PNG"
	if mediaType != "image/png" {
		kind = "JPG"
	}
	opts := fpdf.ImageOptions{ImageType: kind}
	info := doc.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
	if !doc.Ok() || info == nil {
		doc.ClearError()
		return false
	}
	// Fit inside the box keeping the aspect ratio.
	iw, ih := info.Extent()
	if iw <= 0 || ih <= 0 {
		return false
	}
	scale := w / iw
	if ih*scale > h {
		scale = h / ih
	}
	doc.ImageOptions(name, x, y, iw*scale, ih*scale, false, opts, 0, "")
	return doc.Ok()
}

func titleOf(a *agreement.Agreement) string {
	if t := strings.TrimSpace(a.Title); t != "" {
		return t
	}
	return "Agreement"
}
