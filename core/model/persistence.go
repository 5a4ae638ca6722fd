package model

import (
	"encoding/json"
	"fmt"
	"io"
)

// Header holds the discriminator fields shared by all artifact documents.
type Header struct {
	Kind      string `json:"kind"`
	Algorithm string `json:"algorithm"`
	// LightGBM dumps carry no kind; "tree_info" identifies them.
	TreeInfo json.RawMessage `json:"tree_info"`
}

// DocumentKind reports the estimator kind of an artifact document.
func (h Header) DocumentKind() string {
	switch {
	case h.Kind != "":
		return h.Kind
	case len(h.TreeInfo) > 0:
		return KindLightGBM
	default:
		return ""
	}
}

// PeekHeader decodes only the discriminator fields of a document.
func PeekHeader(data []byte) (Header, error) {
	var h Header
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("failed to decode artifact header: %w", err)
	}
	return h, nil
}

// SaveDocumentToWriter writes v as indented JSON to w.
func SaveDocumentToWriter(v interface{}, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}
	return nil
}

// LoadDocumentFromReader decodes a JSON document from r into v.
func LoadDocumentFromReader(v interface{}, r io.Reader) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("failed to decode document: %w", err)
	}
	return nil
}
