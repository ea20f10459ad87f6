package extract

import (
	"bytes"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
	"golang.org/x/text/transform"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// extractPlain decodes content to UTF-8. Valid UTF-8 is returned as-is; otherwise the
// encoding is sniffed from a BOM or the byte content and converted. Undecodable
// sequences become the replacement character.
func extractPlain(content []byte) (string, error) {
	content = bytes.TrimPrefix(content, utf8BOM)
	if utf8.Valid(content) {
		return string(content), nil
	}
	enc, name, _ := charset.DetermineEncoding(content, "text/plain")
	if name != "utf-8" {
		if decoded, _, err := transform.Bytes(enc.NewDecoder(), content); err == nil && utf8.Valid(decoded) {
			return string(decoded), nil
		}
	}
	return strings.ToValidUTF8(string(content), "\ufffd"), nil
}
