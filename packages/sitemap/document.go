package sitemap

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"regexp"

	"github.com/antchfx/xmlquery"
)

var ErrMalformedXML = errors.New("malformed sitemap xml")

// Matches both <?xml ...?> and <?xml-stylesheet ...?> declarations.
var declarationPattern = regexp.MustCompile(`<\?xml[^>]*\?>`)

const maxInflatedBytes = 64 << 20

// parseDocument parses a sitemap body. A body that fails to parse is retried
// once with its XML declarations stripped.
func parseDocument(body []byte) (*xmlquery.Node, error) {
	body, err := inflate(body)
	if err != nil {
		return nil, err
	}

	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err == nil {
		return doc, nil
	}

	cleaned := declarationPattern.ReplaceAll(body, nil)
	cleaned = bytes.TrimLeft(cleaned, "\ufeff \t\r\n")
	doc, retryErr := xmlquery.Parse(bytes.NewReader(cleaned))
	if retryErr != nil {
		return nil, fmt.Errorf("%w: %v (after stripping declarations: %v)", ErrMalformedXML, err, retryErr)
	}
	return doc, nil
}

// inflate transparently decompresses gzip-encoded sitemaps (.xml.gz).
func inflate(body []byte) ([]byte, error) {
	if len(body) < 2 || body[0] != 0x1f || body[1] != 0x8b {
		return body, nil
	}
	zr, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: bad gzip header: %v", ErrMalformedXML, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(io.LimitReader(zr, maxInflatedBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: bad gzip stream: %v", ErrMalformedXML, err)
	}
	return out, nil
}
