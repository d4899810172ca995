package tsdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"tickflow/internal/exchange"
)

// ErrCredentialNotFound marks a credential id with no row behind it.
// Callers treat it as terminal rather than retrying the lookup.
var ErrCredentialNotFound = errors.New("exchange credential not found")

const credentialByIDSQL = `
	SELECT id, user_id, exchange, label, testnet, active,
	       api_key_enc, api_secret_enc, api_passphrase_enc
	FROM bot_exchange_configs WHERE id = $1`

// CredentialByID loads one sealed exchange credential. Key material stays
// encrypted; only the adapter registry's sealer opens it.
func (s *Store) CredentialByID(ctx context.Context, id int64) (*exchange.Credential, error) {
	var cred credentialRow
	err := s.withRetry(ctx, "credential by id", func() error {
		err := s.db.GetContext(ctx, &cred, credentialByIDSQL, id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("exchange config %d: %w", id, ErrCredentialNotFound)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return cred.toCredential(), nil
}

// credentialRow mirrors bot_exchange_configs with a nullable passphrase.
type credentialRow struct {
	ID               int64  `db:"id"`
	UserID           int64  `db:"user_id"`
	Exchange         string `db:"exchange"`
	Label            string `db:"label"`
	Testnet          bool   `db:"testnet"`
	Active           bool   `db:"active"`
	SealedKey        []byte `db:"api_key_enc"`
	SealedSecret     []byte `db:"api_secret_enc"`
	SealedPassphrase []byte `db:"api_passphrase_enc"`
}

func (r *credentialRow) toCredential() *exchange.Credential {
	return &exchange.Credential{
		ID:               r.ID,
		UserID:           r.UserID,
		Exchange:         r.Exchange,
		Label:            r.Label,
		Testnet:          r.Testnet,
		Active:           r.Active,
		SealedKey:        r.SealedKey,
		SealedSecret:     r.SealedSecret,
		SealedPassphrase: r.SealedPassphrase,
	}
}
