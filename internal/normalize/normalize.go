// Package normalize turns schema-less engine records into canonical item payloads.
package normalize

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/JakeFAU/source-crawler/internal/crawler"
)

// LinkField is the record key carrying the item's source URL.
const LinkField = "link"

var errNotObject = errors.New("record is not a JSON object")

// Record decodes one engine record into a normalized item. Numbers keep their
// original literal so the fingerprint does not depend on float formatting.
// The link is resolved against baseURL when it is relative.
func Record(raw json.RawMessage, baseURL string) (crawler.NormalizedItem, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return crawler.NormalizedItem{}, errNotObject
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var payload map[string]any
	if err := dec.Decode(&payload); err != nil {
		return crawler.NormalizedItem{}, fmt.Errorf("decode record: %w", err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return crawler.NormalizedItem{}, fmt.Errorf("decode record: trailing data")
	}
	if payload == nil {
		return crawler.NormalizedItem{}, errNotObject
	}
	return crawler.NormalizedItem{
		URL:     ResolveLink(baseURL, payload[LinkField]),
		Payload: payload,
	}, nil
}

// ResolveLink returns link as an absolute URL when possible. Non-string or
// empty links yield "". Links that cannot be parsed are returned unchanged.
func ResolveLink(baseURL string, link any) string {
	s, ok := link.(string)
	if !ok {
		return ""
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	ref, err := url.Parse(s)
	if err != nil {
		return s
	}
	if ref.IsAbs() {
		return ref.String()
	}
	base, err := url.Parse(baseURL)
	if err != nil || !base.IsAbs() {
		return s
	}
	return base.ResolveReference(ref).String()
}
