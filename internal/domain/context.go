package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ContextKind classifies what a conversation is about. It selects which
// specialist agent elaborates the context details.
type ContextKind int

const (
	// ContextNone means no classification has been established yet.
	ContextNone ContextKind = iota
	// ContextProduct means the user is asking about a product.
	ContextProduct
	// ContextOccasion means the user is asking about an occasion or activity.
	ContextOccasion
	// ContextPlace means the user is asking about a place.
	ContextPlace
)

// Valid reports whether the kind is a known classification.
func (k ContextKind) Valid() bool {
	return k >= ContextNone && k <= ContextPlace
}

// Classified reports whether a classification has been established.
func (k ContextKind) Classified() bool {
	return k.Valid() && k != ContextNone
}

func (k ContextKind) String() string {
	switch k {
	case ContextNone:
		return "none"
	case ContextProduct:
		return "product"
	case ContextOccasion:
		return "occasion"
	case ContextPlace:
		return "place"
	}
	return fmt.Sprintf("context(%d)", int(k))
}

// MarshalJSON encodes the kind as its canonical name.
func (k ContextKind) MarshalJSON() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid context kind %d", int(k))
	}
	return json.Marshal(k.String())
}

// UnmarshalJSON accepts the canonical name as well as the legacy numeric
// forms (1, 2, 3 or "1", "2", "3") the upstream classifier emits.
func (k *ContextKind) UnmarshalJSON(data []byte) error {
	var raw any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	kind, ok := ParseContextKind(raw)
	if !ok {
		return fmt.Errorf("unknown context kind %s", string(data))
	}
	*k = kind
	return nil
}

// ParseContextKind normalizes a decoded JSON value into a ContextKind.
// Accepts float64 (JSON number), canonical names and numeric strings.
func ParseContextKind(v any) (ContextKind, bool) {
	switch val := v.(type) {
	case float64:
		return kindFromInt(int(val))
	case json.Number:
		n, err := val.Int64()
		if err != nil {
			return ContextNone, false
		}
		return kindFromInt(int(n))
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "none", "":
			return ContextNone, true
		case "product":
			return ContextProduct, true
		case "occasion":
			return ContextOccasion, true
		case "place":
			return ContextPlace, true
		}
		n, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return ContextNone, false
		}
		return kindFromInt(n)
	}
	return ContextNone, false
}

func kindFromInt(n int) (ContextKind, bool) {
	k := ContextKind(n)
	if !k.Valid() {
		return ContextNone, false
	}
	return k, true
}

// ContextPayload is the structured result of the context-details stage.
type ContextPayload struct {
	Meaning      string   `json:"meaning,omitempty"`
	Topics       []string `json:"topics,omitempty"`
	ProductTypes []string `json:"product_types,omitempty"`
}

// QueryTerms returns the terms the promotion search should combine with the
// user's message, selected by classification.
func (p *ContextPayload) QueryTerms(kind ContextKind) []string {
	if p == nil {
		return nil
	}
	switch kind {
	case ContextProduct:
		return p.ProductTypes
	case ContextOccasion, ContextPlace:
		return p.Topics
	case ContextNone:
		return nil
	}
	return nil
}
