package receiver

import (
	"context"
	"fmt"

	"github.com/sheikh-saqib/token-settlement-ledger/internal/models"
)

// KeepAllMessage makes DeFi keep the whole transfer.
const KeepAllMessage = "take-my-money"

// DeFi is the reference receiver. It keeps everything when told
// "take-my-money"; otherwise the message is the unused amount to hand back,
// and a message that is not an amount makes it fail.
type DeFi struct{}

func (DeFi) OnReceive(ctx context.Context, sender, amount, message string) (string, error) {
	if message == KeepAllMessage {
		return "0", nil
	}
	unused, err := models.ParseAmount(message)
	if err != nil {
		return "", fmt.Errorf("defi: message %q is not an amount: %w", message, err)
	}
	return models.FormatAmount(unused), nil
}
