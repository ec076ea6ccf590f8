package ingestion

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	json "github.com/goccy/go-json"
)

// CheckSyntax confirms that body parses as the declared format. Formats
// without a checker pass unchanged; clinical semantics are never inspected.
func CheckSyntax(format string, body []byte) error {
	switch strings.ToLower(format) {
	case "json":
		if !json.Valid(body) {
			return fmt.Errorf("%w: invalid json", ErrMalformed)
		}
	case "xml":
		if err := wellFormedXML(body); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	case "text":
		if !utf8.Valid(body) {
			return fmt.Errorf("%w: text is not valid utf-8", ErrMalformed)
		}
	}
	return nil
}

func wellFormedXML(body []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(body))
	sawElement := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			sawElement = true
		}
	}
	if !sawElement {
		return errors.New("xml document has no root element")
	}
	return nil
}
