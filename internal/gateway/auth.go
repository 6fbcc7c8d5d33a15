package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// AccountHeader carries the authenticated account id set by the upstream
// identity proxy.
const AccountHeader = "X-Account-ID"

var errMissingAccount = errors.New("missing account id")

// AccountResolver maps a request to the account it acts for.
type AccountResolver interface {
	ResolveAccount(r *http.Request) (uuid.UUID, error)
}

// HeaderAccountResolver trusts AccountHeader. Deploy it only behind a proxy
// that strips client-supplied values.
type HeaderAccountResolver struct{}

// ResolveAccount implements AccountResolver.
func (HeaderAccountResolver) ResolveAccount(r *http.Request) (uuid.UUID, error) {
	raw := strings.TrimSpace(r.Header.Get(AccountHeader))
	if raw == "" {
		return uuid.Nil, errMissingAccount
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, err
	}
	if id == uuid.Nil {
		return uuid.Nil, errMissingAccount
	}
	return id, nil
}

type contextKey string

const accountKey contextKey = "account_id"

func withAccount(ctx context.Context, accountID uuid.UUID) context.Context {
	return context.WithValue(ctx, accountKey, accountID)
}

// AccountFromContext returns the account resolved by the auth middleware.
func AccountFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(accountKey).(uuid.UUID)
	return id, ok
}
