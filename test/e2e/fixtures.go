package e2e

import (
	"archive/zip"
	"bytes"
	"fmt"

	"github.com/xuri/excelize/v2"
)

// FileExtensions are the formats notes are written in, round robin.
var FileExtensions = []string{".txt", ".md", ".docx", ".xlsx", ".pptx"}

// WriteMinimalFile encodes text as a minimal file of the given extension.
func WriteMinimalFile(ext, text string) ([]byte, error) {
	switch ext {
	case ".txt":
		return []byte(text), nil
	case ".md":
		return []byte("# " + text), nil
	case ".docx":
		return zipOf("word/document.xml",
			`<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>`+
				text+`</w:t></w:r></w:p></w:body></w:document>`)
	case ".pptx":
		return zipOf("ppt/slides/slide1.xml",
			`<p:sld xmlns:p="p" xmlns:a="a"><p:cSld><p:spTree><p:sp><p:txBody><a:p><a:r><a:t>`+
				text+`</a:t></a:r></a:p></p:txBody></p:sp></p:spTree></p:cSld></p:sld>`)
	case ".xlsx":
		return minimalXlsx(text)
	default:
		return nil, fmt.Errorf("no fixture for %s", ext)
	}
}

func zipOf(name, content string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	fw, err := w.Create(name)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write([]byte(content)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func minimalXlsx(text string) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetCellValue("Sheet1", "A1", text); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
