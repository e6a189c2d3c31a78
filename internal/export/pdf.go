/*
 * Copyright (c) 2025 by Alexander Drost, Oldenburg, Germany.
 * This file is licensed to you under the Apache License, Version 2.0 (the "License"); you may not use this file except in compliance with the License.  You may obtain a copy of the License at
 *   http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software distributed under the License is distributed on an
 * "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.  See the License for the specific language governing permissions and limitations under the License.
 */

package export

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"io"
	"io/fs"
	"math"
	"os"
	"strconv"

	"github.com/jung-kurt/gofpdf"

	"tileboard/internal/domain"
	"tileboard/internal/render"
	"tileboard/internal/thumbs"
	"tileboard/internal/version"
)

// Locator finds the file backing an image. *thumbs.Service implements it.
type Locator interface {
	Source(id domain.ImageID) (string, fs.FileInfo, error)
}

// PDFOptions controls the contact sheet layout. Units are millimetres.
//
// Zero values select defaults: A4, 4 columns, 12mm margins.
type PDFOptions struct {
	Page    PageSize
	Columns int
	Margin  float64
	Title   string
	// DPI bounds the resolution images are embedded at.
	DPI int
}

const (
	defaultColumns = 4
	defaultMargin  = 12.0
	defaultDPI     = 150
	cellGap        = 4.0
	labelHeight    = 5.0
	headingHeight  = 10.0
	mmPerInch      = 25.4
)

func (o PDFOptions) withDefaults() PDFOptions {
	if o.Page == "" {
		o.Page = PageA4
	}
	if o.Columns <= 0 {
		o.Columns = defaultColumns
	}
	if o.Margin <= 0 {
		o.Margin = defaultMargin
	}
	if o.DPI <= 0 {
		o.DPI = defaultDPI
	}
	if o.Title == "" {
		o.Title = "tileboard contact sheet"
	}
	return o
}

// WritePDF renders tree as a contact sheet to w: one page per block with a
// heading and a grid of image cells in display order. Images are looked up
// through loc; those that cannot be found or decoded are drawn as a
// labelled placeholder.
func WritePDF(tree render.Tree, loc Locator, w io.Writer, opt PDFOptions) error {
	opt = opt.withDefaults()
	size, err := opt.Page.gofpdfSize()
	if err != nil {
		return err
	}
	pdf := gofpdf.New("P", "mm", size, "")
	pdf.SetMargins(opt.Margin, opt.Margin, opt.Margin)
	pdf.SetAutoPageBreak(false, opt.Margin)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetTitle(opt.Title, true)
	pdf.SetCreator("tileboard "+version.Version, true)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-opt.Margin + 2)
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetTextColor(120, 120, 120)
		pdf.CellFormat(0, 4, "Page "+strconv.Itoa(pdf.PageNo()), "", 0, "C", false, 0, "")
	})

	pageW, pageH := pdf.GetPageSize()
	cellW := (pageW - 2*opt.Margin - float64(opt.Columns-1)*cellGap) / float64(opt.Columns)
	pxW := int(math.Round(cellW / mmPerInch * float64(opt.DPI)))

	if len(tree.Blocks) == 0 {
		pdf.AddPage()
		heading(pdf, tr, opt.Title, "no blocks")
	}
	imgSeq := 0
	for _, sec := range tree.Blocks {
		pdf.AddPage()
		heading(pdf, tr, "Block "+string(sec.ID), countLabel(sec.Count))
		if len(sec.Tiles) == 0 {
			continue
		}
		y := pdf.GetY()
		for i, tile := range sec.Tiles {
			col := i % opt.Columns
			if col == 0 && i > 0 {
				y += cellW + labelHeight + cellGap
			}
			if y+cellW+labelHeight > pageH-opt.Margin {
				pdf.AddPage()
				heading(pdf, tr, "Block "+string(sec.ID)+" (cont.)", countLabel(sec.Count))
				y = pdf.GetY()
			}
			x := opt.Margin + float64(col)*(cellW+cellGap)
			imgSeq++
			drawCell(pdf, tr, loc, tile, x, y, cellW, pxW, "img"+strconv.Itoa(imgSeq))
		}
		if !pdf.Ok() {
			break
		}
	}
	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func countLabel(n int) string {
	if n == 1 {
		return "1 image"
	}
	return strconv.Itoa(n) + " images"
}

func heading(pdf *gofpdf.Fpdf, tr func(string) string, title, sub string) {
	pdf.SetTextColor(0, 0, 0)
	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, headingHeight*0.6, tr(title), "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.CellFormat(0, headingHeight*0.4, tr(sub), "", 1, "L", false, 0, "")
	pdf.Ln(2)
}

func drawCell(pdf *gofpdf.Fpdf, tr func(string) string, loc Locator, tile render.Tile, x, y, side float64, pxW int, name string) {
	pdf.SetDrawColor(200, 200, 200)
	pdf.SetLineWidth(0.2)
	pdf.Rect(x, y, side, side, "D")

	data, w, h, err := cellImage(loc, tile.Image, pxW)
	if err == nil {
		opts := gofpdf.ImageOptions{ImageType: "JPG"}
		pdf.RegisterImageOptionsReader(name, opts, bytes.NewReader(data))
		iw, ih := fit(float64(w), float64(h), side-2, side-2)
		pdf.ImageOptions(name, x+(side-iw)/2, y+(side-ih)/2, iw, ih, false, opts, 0, "")
	} else {
		pdf.SetFillColor(245, 245, 245)
		pdf.Rect(x+1, y+1, side-2, side-2, "F")
		pdf.SetTextColor(180, 40, 40)
		pdf.SetFont("Helvetica", "", 8)
		pdf.SetXY(x, y+side/2-2)
		msg := "missing image"
		if !errors.Is(err, domain.ErrImageNotFound) {
			msg = "unreadable image"
		}
		pdf.CellFormat(side, 4, msg, "", 0, "C", false, 0, "")
	}

	pdf.SetTextColor(40, 40, 40)
	pdf.SetFont("Helvetica", "", 8)
	pdf.SetXY(x, y+side)
	label := strconv.Itoa(tile.Index+1) + ". " + tile.Label
	pdf.CellFormat(side, labelHeight, tr(truncate(pdf, label, side)), "", 0, "C", false, 0, "")
}

// cellImage decodes the image behind id, bounds it to pxW pixels wide and
// re-encodes it as JPEG on a white background.
func cellImage(loc Locator, id domain.ImageID, pxW int) ([]byte, int, int, error) {
	if loc == nil {
		return nil, 0, 0, domain.ErrImageNotFound
	}
	path, _, err := loc.Source(id)
	if err != nil {
		return nil, 0, 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer func() { _ = f.Close() }()
	src, _, err := image.Decode(f)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	scaled := thumbs.Scale(src, pxW)
	b := scaled.Bounds()
	flat := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), &image.Uniform{C: color.White}, image.Point{}, draw.Src)
	draw.Draw(flat, flat.Bounds(), scaled, b.Min, draw.Over)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, flat, &jpeg.Options{Quality: 85}); err != nil {
		return nil, 0, 0, fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), b.Dx(), b.Dy(), nil
}

// fit scales w x h to fit within maxW x maxH preserving aspect ratio.
func fit(w, h, maxW, maxH float64) (float64, float64) {
	if w <= 0 || h <= 0 {
		return maxW, maxH
	}
	s := math.Min(maxW/w, maxH/h)
	return w * s, h * s
}

func truncate(pdf *gofpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(s) <= width-1 {
		return s
	}
	r := []rune(s)
	for len(r) > 1 && pdf.GetStringWidth(string(r)+"...") > width-1 {
		r = r[:len(r)-1]
	}
	return string(r) + "..."
}
