package chat

import (
	"errors"
	"testing"

	"github.com/containerd/errdefs"
	"github.com/pattadon/promochat/internal/domain"
)

func TestParseContextResponse(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		wantFollow string
		wantKind   domain.ContextKind
		wantReason ParseReason
	}{
		{name: "follow up", raw: `{"follow_up_question": "Which cuisine do you like?"}`, wantFollow: "Which cuisine do you like?"},
		{name: "named kind", raw: `{"context": "product"}`, wantKind: domain.ContextProduct},
		{name: "numeric kind", raw: `{"context": 2}`, wantKind: domain.ContextOccasion},
		{name: "numeric string kind", raw: `{"context": "3"}`, wantKind: domain.ContextPlace},
		{name: "unknown kind", raw: `{"context": "weather"}`, wantReason: ParseUnexpectedShape},
		{name: "neither field", raw: `{"verdict": "yes"}`, wantReason: ParseUnexpectedShape},
		{name: "not json", raw: `promotions are great`, wantReason: ParseMalformedBody},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := parseContextResponse(tt.raw)
			if tt.wantReason != "" {
				var perr *ParseError
				if !errors.As(err, &perr) {
					t.Fatalf("expected ParseError, got %v", err)
				}
				if perr.Reason != tt.wantReason {
					t.Errorf("reason = %q, want %q", perr.Reason, tt.wantReason)
				}
				if !errdefs.IsInvalidArgument(err) {
					t.Errorf("parse error should classify as invalid argument")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if result.FollowUp != tt.wantFollow {
				t.Errorf("follow up = %q, want %q", result.FollowUp, tt.wantFollow)
			}
			if result.Kind != tt.wantKind {
				t.Errorf("kind = %v, want %v", result.Kind, tt.wantKind)
			}
		})
	}
}

func TestParseDetailsResponse(t *testing.T) {
	t.Run("follow up", func(t *testing.T) {
		result, err := parseDetailsResponse(`{"follow_up_question": "Where will you celebrate?"}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.FollowUp != "Where will you celebrate?" {
			t.Errorf("follow up = %q", result.FollowUp)
		}
	})

	t.Run("meaning with topics", func(t *testing.T) {
		result, err := parseDetailsResponse(`{"meaning": "a birthday dinner", "top_5_things": ["cake", "candles", "restaurant"]}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Payload.Meaning != "a birthday dinner" {
			t.Errorf("meaning = %q", result.Payload.Meaning)
		}
		if len(result.Payload.Topics) != 3 {
			t.Errorf("topics = %v", result.Payload.Topics)
		}
	})

	t.Run("topics capped at five", func(t *testing.T) {
		result, err := parseDetailsResponse(`{"meaning": "m", "top_5_things": ["a","b","c","d","e","f","g"]}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Payload.Topics) != 5 {
			t.Errorf("topics should be capped at 5, got %d", len(result.Payload.Topics))
		}
	})

	t.Run("single product type string", func(t *testing.T) {
		result, err := parseDetailsResponse(`{"product_type": "smartphone"}`)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(result.Payload.ProductTypes) != 1 || result.Payload.ProductTypes[0] != "smartphone" {
			t.Errorf("product types = %v", result.Payload.ProductTypes)
		}
	})

	t.Run("empty product list rejected", func(t *testing.T) {
		_, err := parseDetailsResponse(`{"product_type": []}`)
		var perr *ParseError
		if !errors.As(err, &perr) || perr.Reason != ParseUnexpectedShape {
			t.Fatalf("expected unexpected-shape error, got %v", err)
		}
	})

	t.Run("not json", func(t *testing.T) {
		_, err := parseDetailsResponse(`hello`)
		var perr *ParseError
		if !errors.As(err, &perr) || perr.Reason != ParseMalformedBody {
			t.Fatalf("expected malformed-body error, got %v", err)
		}
	})
}

func TestParseSelectionResponse(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    domain.PromotionID
		wantErr bool
	}{
		{name: "numeric id", raw: `{"result": 42}`, want: "42"},
		{name: "string id", raw: `{"result": "42"}`, want: "42"},
		{name: "null result", raw: `{"result": null}`, want: ""},
		{name: "missing result", raw: `{}`, want: ""},
		{name: "not json", raw: `the first one`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseSelectionResponse(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("choice = %q, want %q", got, tt.want)
			}
		})
	}
}
