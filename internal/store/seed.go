package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/pattadon/promochat/internal/domain"
)

// SeedFile is the on-disk shape of the reference-data seed: customer records
// and the credit-card promotion table.
type SeedFile struct {
	Users       []*domain.User       `json:"users"`
	CreditCards []*domain.CreditCard `json:"credit_cards"`
}

// Seed imports users and credit cards from a JSON file. Existing records with
// the same keys are overwritten; sessions are never touched.
func Seed(ctx context.Context, repo Repository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}

	var seed SeedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	for _, user := range seed.Users {
		if err := repo.UpsertUser(ctx, user); err != nil {
			return fmt.Errorf("seed user %d: %w", user.ID, err)
		}
	}
	for _, card := range seed.CreditCards {
		if err := repo.UpsertCreditCard(ctx, card); err != nil {
			return fmt.Errorf("seed credit card %q: %w", card.Name, err)
		}
	}

	slog.Info("Seed data imported", "path", path,
		"users", len(seed.Users), "credit_cards", len(seed.CreditCards))
	return nil
}
