package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"hoot-game-service/internal/domain"
)

// RewardVault is an in-process stand-in for the escrow vault. It pays each
// session at most once and returns a synthetic receipt.
type RewardVault struct {
	mu     sync.Mutex
	claims map[string]domain.Claim
}

func NewRewardVault() *RewardVault {
	return &RewardVault{claims: make(map[string]domain.Claim)}
}

func (v *RewardVault) Claim(_ context.Context, sessionID, ledgerAddress string) (string, error) {
	ledgerAddress = strings.TrimSpace(ledgerAddress)
	if ledgerAddress == "" {
		return "", fmt.Errorf("%w: empty ledger address", domain.ErrClaimRejected)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.claims[sessionID]; ok {
		return "", fmt.Errorf("%w: session %s already paid out", domain.ErrClaimRejected, sessionID)
	}
	receipt := "claim_" + uuid.NewString()
	v.claims[sessionID] = domain.Claim{
		SessionID:     sessionID,
		LedgerAddress: ledgerAddress,
		Receipt:       receipt,
	}
	return receipt, nil
}

// Paid returns the recorded payout for a session, if any.
func (v *RewardVault) Paid(sessionID string) (domain.Claim, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	c, ok := v.claims[sessionID]
	return c, ok
}
