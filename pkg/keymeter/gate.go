package keymeter

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Gate is the authenticate-and-meter step in front of a metered endpoint.
// HTTP middlewares for each framework are thin wrappers around Admit.
type Gate struct {
	keys  *KeyStore
	meter *Meter
}

// NewGate creates a Gate
func NewGate(keys *KeyStore, meter *Meter) (*Gate, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: key store is required", ErrInvalidArgument)
	}
	if meter == nil {
		return nil, fmt.Errorf("%w: meter is required", ErrInvalidArgument)
	}
	return &Gate{keys: keys, meter: meter}, nil
}

// Admit resolves apiKey to its customer and records one metered call.
// An empty token gets a random one, so that call is never deduplicated.
//
// Errors:
//   - ErrInvalidArgument: apiKey is empty
//   - ErrUnauthorized: the key is unknown or the account is not active
//   - anything else is an internal failure
func (g *Gate) Admit(ctx context.Context, apiKey, token string) (*UsageRecord, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("%w: missing api key", ErrInvalidArgument)
	}

	customerID, err := g.keys.Authenticate(ctx, apiKey)
	if errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("%w: unknown api key", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}

	token = strings.TrimSpace(token)
	if token == "" {
		token = uuid.NewString()
	}
	return g.meter.Record(ctx, customerID, token)
}
