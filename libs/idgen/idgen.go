// Package idgen issues event ids, transaction ids, and the human-facing
// document numbers (APT-2026-1A2B3C4D style) used across the platform. It is
// an interface so tests can pin deterministic ids.
package idgen

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Generator interface {
	// EventID returns a globally unique event identifier.
	EventID() string
	// Number returns a human-facing document number: <prefix>-<year>-<8 hex>.
	Number(prefix string) string
	// TransactionID returns a gateway-style transaction id: TXN-<12 hex>.
	TransactionID() string
}

type uuidGenerator struct {
	now func() time.Time
}

func New() Generator {
	return &uuidGenerator{now: time.Now}
}

func (g *uuidGenerator) EventID() string {
	return uuid.NewString()
}

func (g *uuidGenerator) Number(prefix string) string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("%s-%d-%s", prefix, g.now().UTC().Year(), strings.ToUpper(raw[:8]))
}

func (g *uuidGenerator) TransactionID() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "TXN-" + strings.ToUpper(raw[:12])
}
