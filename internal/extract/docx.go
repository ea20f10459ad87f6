package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// docxDocumentXMLPath is the default path to the main document body inside a .docx zip.
const docxDocumentXMLPath = "word/document.xml"

// contentTypesPath is the path to [Content_Types].xml in OOXML packages.
const contentTypesPath = "[Content_Types].xml"

const docxMainContentType = "application/vnd.openxmlformats-officedocument.wordprocessingml.document.main+xml"

// overrideRe matches Override elements; attribute order varies between producers.
var overrideRe = regexp.MustCompile(`<Override\s[^>]*>`)
var attrRe = regexp.MustCompile(`(PartName|ContentType)="([^"]+)"`)

// findDocxMainDocumentPath finds the main document path from [Content_Types].xml.
// Returns the path without leading slash, or empty string if not found.
func findDocxMainDocumentPath(zr *zip.Reader) string {
	data, err := readPart(zr, contentTypesPath)
	if err != nil || data == nil {
		return ""
	}
	for _, tag := range overrideRe.FindAllString(string(data), -1) {
		var part, ctype string
		for _, m := range attrRe.FindAllStringSubmatch(tag, -1) {
			if m[1] == "PartName" {
				part = m[2]
			} else {
				ctype = m[2]
			}
		}
		if ctype == docxMainContentType && part != "" {
			return strings.TrimPrefix(part, "/")
		}
	}
	return ""
}

// extractDOCX returns one line per body paragraph. Table rows become a single line with
// cells separated by " | ".
func extractDOCX(content []byte) (string, error) {
	zr, err := openZip(content)
	if err != nil {
		return "", fmt.Errorf("extract DOCX: %w", err)
	}
	docPath := findDocxMainDocumentPath(zr)
	if docPath == "" {
		docPath = docxDocumentXMLPath
	}
	docXML, err := readPart(zr, docPath)
	if err != nil {
		return "", fmt.Errorf("extract DOCX: %w", err)
	}
	if docXML == nil {
		return "", fmt.Errorf("extract DOCX: %s not found", docPath)
	}
	return walkWordML(docXML)
}

func walkWordML(docXML []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(docXML))
	var (
		lines     []string
		para      strings.Builder
		inText    bool
		tableRows int // nesting depth of w:tr
		cells     []string
		cell      []string
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("extract DOCX: parse: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				para.WriteByte('\t')
			case "br", "cr":
				para.WriteByte('\n')
			case "tr":
				tableRows++
				cells = nil
			case "tc":
				cell = nil
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				text := strings.TrimSpace(para.String())
				para.Reset()
				if text == "" {
					continue
				}
				if tableRows > 0 {
					cell = append(cell, text)
				} else {
					lines = append(lines, text)
				}
			case "tc":
				cells = append(cells, strings.Join(cell, " "))
			case "tr":
				tableRows--
				if row := strings.Join(cells, " | "); strings.Trim(row, " |") != "" {
					lines = append(lines, row)
				}
				cells = nil
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	return strings.Join(lines, "\n"), nil
}
