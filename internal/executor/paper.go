// Package executor submits trades. The paper executor simulates execution
// and never touches a chain.
package executor

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rewired-gh/trendpilot/internal/logger"
	"github.com/rewired-gh/trendpilot/internal/models"
)

// Fill is a recorded paper execution.
type Fill struct {
	TxHash string
	Token  models.Candidate
	Amount float64
}

// Paper records executions in memory and returns synthetic transaction hashes.
type Paper struct {
	mu    sync.Mutex
	fills []Fill
}

func NewPaper() *Paper {
	return &Paper{}
}

// OpenOnChain simulates buying amount (in quote currency) of token.
func (p *Paper) OpenOnChain(ctx context.Context, token models.Candidate, amount float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if amount <= 0 {
		return "", fmt.Errorf("amount must be positive, got %v", amount)
	}

	hash := "paper-" + uuid.NewString()

	p.mu.Lock()
	p.fills = append(p.fills, Fill{TxHash: hash, Token: token, Amount: amount})
	p.mu.Unlock()

	logger.Info("Paper trade: bought %.2f of %s (%s), tx %s", amount, token.Symbol, token.Address, hash)
	return hash, nil
}

// Fills returns the recorded executions.
func (p *Paper) Fills() []Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Fill(nil), p.fills...)
}
