package memory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"hoot-game-service/internal/domain"
)

func TestRewardVaultPaysOncePerSession(t *testing.T) {
	vault := NewRewardVault()

	receipt, err := vault.Claim(context.Background(), "s1", "addr-alice")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if !strings.HasPrefix(receipt, "claim_") {
		t.Fatalf("unexpected receipt %q", receipt)
	}
	if paid, ok := vault.Paid("s1"); !ok || paid.LedgerAddress != "addr-alice" {
		t.Fatalf("expected recorded payout, got %+v", paid)
	}

	if _, err := vault.Claim(context.Background(), "s1", "addr-alice"); !errors.Is(err, domain.ErrClaimRejected) {
		t.Fatalf("expected second claim rejected, got %v", err)
	}
	if _, err := vault.Claim(context.Background(), "s2", "  "); !errors.Is(err, domain.ErrClaimRejected) {
		t.Fatalf("expected empty address rejected, got %v", err)
	}
}
