package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// PromotionID is the identity of a promotion record. The search collaborator
// stores identities as vector-point IDs and may serialize them as either a
// JSON number or a string; both normalize to the string form.
type PromotionID string

// UnmarshalJSON accepts either a JSON string or a JSON number.
func (id *PromotionID) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		*id = PromotionID(v)
	case json.Number:
		*id = PromotionID(v.String())
	case float64:
		*id = PromotionID(strconv.FormatFloat(v, 'f', -1, 64))
	default:
		return fmt.Errorf("promotion id must be string or number, got %T", raw)
	}
	return nil
}

// Promotion is one candidate produced by the promotion search collaborator.
type Promotion struct {
	ID          PromotionID `json:"id"`
	Title       string      `json:"promotion_title"`
	Description string      `json:"promotion_description,omitempty"`
	Shop        string      `json:"shop,omitempty"`
	SpecialDay  string      `json:"special_day,omitempty"`
	SummaryText string      `json:"summary_text"`
	Score       float64     `json:"score"`
}
