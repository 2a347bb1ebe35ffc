package domain

// User is a customer record. Users are read-only collaborators during a
// session; the pipeline only consults segment and card holdings.
type User struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Segment     string   `json:"customer_segment"`
	Delinquent  bool     `json:"npl_status"`
	CreditCards []string `json:"credit_cards"`
}

// HasCreditCard reports whether the user holds at least one card.
func (u *User) HasCreditCard() bool {
	return len(u.CreditCards) > 0
}

// PrimaryCard returns the user's first held card, or "" if they hold none.
func (u *User) PrimaryCard() string {
	if len(u.CreditCards) == 0 {
		return ""
	}
	return u.CreditCards[0]
}

// CreditCard maps a card product to its standing default promotion text,
// used as the fallback when no searched promotion can be resolved.
type CreditCard struct {
	Name             string `json:"credit_card_name"`
	DefaultPromotion string `json:"promotion"`
}
