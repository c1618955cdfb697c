package parser

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"
	"github.com/rs/zerolog/log"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"study-rag/internal/models"
)

// PageOCR reads the text of one 1-based page of a PDF from its image
type PageOCR interface {
	OCRPage(ctx context.Context, pdf []byte, page int) (string, error)
}

// Parser extracts pages of text from uploaded files. Partial extraction is
// not an error: unreadable pages come back empty.
type Parser struct {
	ocr PageOCR
}

type Option func(*Parser)

// WithOCR enables OCR for PDF pages that have no text layer
func WithOCR(ocr PageOCR) Option {
	return func(p *Parser) { p.ocr = ocr }
}

func New(opts ...Option) *Parser {
	p := &Parser{}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

var extensions = []string{".pdf", ".docx", ".pptx", ".xlsx", ".xlsm", ".xltx", ".xltm", ".md", ".markdown", ".txt"}

// SupportedExtensions lists the file extensions ExtractPages understands
func SupportedExtensions() []string {
	return append([]string{}, extensions...)
}

// ExtractPages dispatches on the extension of name.
func (p *Parser) ExtractPages(ctx context.Context, name string, data []byte) ([]models.Page, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".pdf":
		return p.parsePDF(ctx, data)
	case ".docx":
		return parseDOCX(data)
	case ".pptx":
		return parsePPTX(data)
	case ".xlsx":
		return parseXLSX(data)
	case ".xlsm", ".xltx", ".xltm":
		return parseExcelize(data)
	case ".md", ".markdown":
		return parseMarkdown(data)
	case ".txt":
		return []models.Page{{Number: models.NoPageNumber, Text: string(data)}}, nil
	}
	return nil, fmt.Errorf("%q: %w", ext, models.ErrUnsupportedFormat)
}

func (p *Parser) parsePDF(ctx context.Context, data []byte) ([]models.Page, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open pdf: %w", err)
	}

	numPages := reader.NumPage()
	pages := make([]models.Page, 0, numPages)
	for i := 1; i <= numPages; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := pageText(reader, i)
		if strings.TrimSpace(text) == "" && p.ocr != nil {
			ocrText, err := p.ocr.OCRPage(ctx, data, i)
			if err != nil {
				log.Warn().Err(err).Int("page", i).Msg("OCR failed, keeping page empty")
			} else {
				text = ocrText
			}
		}
		pages = append(pages, models.Page{Number: i, Text: text})
	}
	return pages, nil
}

// pageText returns "" for pages the pdf library cannot decode
func pageText(reader *pdf.Reader, i int) (text string) {
	defer func() {
		if r := recover(); r != nil {
			log.Warn().Interface("panic", r).Int("page", i).Msg("Failed to decode pdf page")
			text = ""
		}
	}()
	page := reader.Page(i)
	if page.V.IsNull() {
		return ""
	}
	text, err := page.GetPlainText(nil)
	if err != nil {
		log.Warn().Err(err).Int("page", i).Msg("Failed to read pdf page text")
		return ""
	}
	return text
}

func parseDOCX(data []byte) ([]models.Page, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open docx: %w", err)
	}
	defer r.Close()

	text, err := xmlText(r.Editable().GetContent(), "t", "p")
	if err != nil {
		return nil, fmt.Errorf("failed to read docx body: %w", err)
	}
	// DOCX has no stable page numbers
	return []models.Page{{Number: models.NoPageNumber, Text: text}}, nil
}

var slideRe = regexp.MustCompile(`^ppt/slides/slide(\d+)\.xml$`)

func parsePPTX(data []byte) ([]models.Page, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("failed to open pptx: %w", err)
	}

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, f := range zr.File {
		m := slideRe.FindStringSubmatch(f.Name)
		if m == nil {
			continue
		}
		n, _ := strconv.Atoi(m[1])
		slides = append(slides, slide{num: n, file: f})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	pages := make([]models.Page, 0, len(slides))
	for _, s := range slides {
		rc, err := s.file.Open()
		if err != nil {
			log.Warn().Err(err).Int("slide", s.num).Msg("Failed to open slide")
			pages = append(pages, models.Page{Number: s.num})
			continue
		}
		body, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			pages = append(pages, models.Page{Number: s.num})
			continue
		}
		text, err := xmlText(string(body), "t", "p")
		if err != nil {
			log.Warn().Err(err).Int("slide", s.num).Msg("Failed to parse slide")
		}
		pages = append(pages, models.Page{Number: s.num, Text: text})
	}
	return pages, nil
}

func parseXLSX(data []byte) ([]models.Page, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open xlsx: %w", err)
	}

	pages := make([]models.Page, 0, len(f.Sheets))
	for i, sheet := range f.Sheets {
		var text strings.Builder
		fmt.Fprintf(&text, "Sheet: %s\n", sheet.Name)
		for _, row := range sheet.Rows {
			if row == nil {
				continue
			}
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			writeRow(&text, cells)
		}
		pages = append(pages, models.Page{Number: i + 1, Text: text.String()})
	}
	return pages, nil
}

func parseExcelize(data []byte) ([]models.Page, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to open workbook: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	pages := make([]models.Page, 0, len(sheets))
	for i, name := range sheets {
		var text strings.Builder
		fmt.Fprintf(&text, "Sheet: %s\n", name)
		rows, err := f.GetRows(name)
		if err != nil {
			log.Warn().Err(err).Str("sheet", name).Msg("Failed to read sheet")
		}
		for _, row := range rows {
			writeRow(&text, row)
		}
		pages = append(pages, models.Page{Number: i + 1, Text: text.String()})
	}
	return pages, nil
}

func writeRow(sb *strings.Builder, cells []string) {
	line := strings.TrimRight(strings.Join(cells, "\t"), "\t")
	if line == "" {
		return
	}
	sb.WriteString(line)
	sb.WriteString("\n")
}

// xmlText collects the character data of every textTag element and ends a
// line at each paragraph close. Namespaces are ignored, so it serves both
// WordprocessingML (w:t, w:p) and DrawingML (a:t, a:p).
func xmlText(content, textTag, paraTag string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var (
		sb     strings.Builder
		inText bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return sb.String(), err
		}
		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case textTag:
				inText = true
			case "tab":
				sb.WriteString("\t")
			case "br":
				sb.WriteString("\n")
			}
		case xml.EndElement:
			switch el.Name.Local {
			case textTag:
				inText = false
			case paraTag:
				sb.WriteString("\n")
			}
		case xml.CharData:
			if inText {
				sb.Write(el)
			}
		}
	}
	return sb.String(), nil
}
