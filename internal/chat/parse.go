package chat

import (
	"encoding/json"
	"fmt"

	"github.com/containerd/errdefs"
	"github.com/pattadon/promochat/internal/domain"
)

// ParseReason distinguishes the ways an upstream response can fail to parse.
type ParseReason string

const (
	// ParseNoResponse means the thread's latest message was not produced
	// by the assistant, so there is nothing to parse.
	ParseNoResponse ParseReason = "no response"
	// ParseMalformedBody means the response body was not valid JSON.
	ParseMalformedBody ParseReason = "malformed body"
	// ParseUnexpectedShape means the body was valid JSON but matched none
	// of the expected shapes.
	ParseUnexpectedShape ParseReason = "unexpected shape"
)

// ParseError reports an upstream response body that does not match any
// expected shape. Raw carries the offending body for the activity log.
type ParseError struct {
	Reason ParseReason
	Raw    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse assistant response: %s", e.Reason)
}

func (e *ParseError) Unwrap() error {
	return errdefs.ErrInvalidArgument
}

// contextResult is the parsed outcome of the context interpretation stage:
// either a follow-up question for the user or a context classification.
type contextResult struct {
	FollowUp string
	Kind     domain.ContextKind
}

// parseContextResponse parses the context specialist's reply. Expected
// shapes: {"follow_up_question": "..."} or {"context": <kind>}.
func parseContextResponse(raw string) (*contextResult, error) {
	var body struct {
		FollowUp *string         `json:"follow_up_question"`
		Context  json.RawMessage `json:"context"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, &ParseError{Reason: ParseMalformedBody, Raw: raw}
	}

	switch {
	case body.FollowUp != nil:
		return &contextResult{FollowUp: *body.FollowUp}, nil
	case body.Context != nil:
		var value any
		if err := json.Unmarshal(body.Context, &value); err != nil {
			return nil, &ParseError{Reason: ParseMalformedBody, Raw: raw}
		}
		kind, ok := domain.ParseContextKind(value)
		if !ok {
			return nil, &ParseError{Reason: ParseUnexpectedShape, Raw: raw}
		}
		return &contextResult{Kind: kind}, nil
	}
	return nil, &ParseError{Reason: ParseUnexpectedShape, Raw: raw}
}

// detailsResult is the parsed outcome of the context elaboration stage.
type detailsResult struct {
	FollowUp string
	Payload  *domain.ContextPayload
}

// parseDetailsResponse parses the detail specialist's reply. Expected
// shapes: a follow-up question, a meaning (optionally with up to five ranked
// topics), or a product-type list.
func parseDetailsResponse(raw string) (*detailsResult, error) {
	var body struct {
		FollowUp *string         `json:"follow_up_question"`
		Meaning  *string         `json:"meaning"`
		Topics   json.RawMessage `json:"top_5_things"`
		Product  json.RawMessage `json:"product_type"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return nil, &ParseError{Reason: ParseMalformedBody, Raw: raw}
	}

	switch {
	case body.FollowUp != nil:
		return &detailsResult{FollowUp: *body.FollowUp}, nil
	case body.Meaning != nil:
		topics, err := stringList(body.Topics)
		if err != nil {
			return nil, &ParseError{Reason: ParseUnexpectedShape, Raw: raw}
		}
		if len(topics) > 5 {
			topics = topics[:5]
		}
		return &detailsResult{Payload: &domain.ContextPayload{
			Meaning: *body.Meaning,
			Topics:  topics,
		}}, nil
	case body.Product != nil:
		types, err := stringList(body.Product)
		if err != nil || len(types) == 0 {
			return nil, &ParseError{Reason: ParseUnexpectedShape, Raw: raw}
		}
		return &detailsResult{Payload: &domain.ContextPayload{
			ProductTypes: types,
		}}, nil
	}
	return nil, &ParseError{Reason: ParseUnexpectedShape, Raw: raw}
}

// parseSelectionResponse parses the selector specialist's reply,
// {"result": <id>}, where the identifier may be a number or a string.
// An absent or empty identifier returns "" without error; the caller falls
// back to the default promotion.
func parseSelectionResponse(raw string) (domain.PromotionID, error) {
	var body struct {
		Result *domain.PromotionID `json:"result"`
	}
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		return "", &ParseError{Reason: ParseMalformedBody, Raw: raw}
	}
	if body.Result == nil {
		return "", nil
	}
	return *body.Result, nil
}

// stringList normalizes a JSON value that may be a single string or an
// array of strings. A nil raw value yields an empty list.
func stringList(raw json.RawMessage) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}, nil
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("value is neither string nor string list")
	}
	return list, nil
}
