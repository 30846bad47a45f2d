package vault

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/podflow/podflow/pkg/podflow/model"
	"github.com/podflow/podflow/pkg/podflow/observability"
	"github.com/podflow/podflow/pkg/podflow/store"
	"github.com/shopspring/decimal"
)

// WorkspaceKey is a decrypted provider credential ready for use.
type WorkspaceKey struct {
	Secret         string
	KeyID          string
	CredentialID   string
	CustomEndpoint string
}

// Vault resolves decrypted workspace credentials, guards backends with a
// circuit breaker, and tracks usage after every execution attempt.
type Vault struct {
	creds   store.CredentialStore
	usage   store.UsageStore
	cipher  *Cipher
	breaker *Breaker
	logger  *slog.Logger
}

// Option configures a Vault.
type Option func(*Vault)

// WithLogger sets the logger for swallowed side-effect failures.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Vault) { v.logger = logger }
}

// New creates a Vault.
func New(creds store.CredentialStore, usage store.UsageStore, cipher *Cipher, breaker *Breaker, opts ...Option) *Vault {
	v := &Vault{
		creds:   creds,
		usage:   usage,
		cipher:  cipher,
		breaker: breaker,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// GetWorkspaceKey returns the decrypted credential for (workspace,
// provider), or nil when none is configured. A decryption failure is an
// error (CredentialCorrupted), distinct from absence.
func (v *Vault) GetWorkspaceKey(ctx context.Context, workspaceID string, provider model.Provider) (*WorkspaceKey, error) {
	cred, err := v.creds.GetCredential(ctx, workspaceID, provider)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	secret, err := v.cipher.Decrypt(cred.Ciphertext)
	if err != nil {
		return nil, err
	}

	return &WorkspaceKey{
		Secret:         secret,
		KeyID:          cred.KeyID,
		CredentialID:   cred.ID,
		CustomEndpoint: cred.CustomEndpoint,
	}, nil
}

// StoreWorkspaceKey encrypts and persists a provider secret for a
// workspace, replacing any existing credential.
func (v *Vault) StoreWorkspaceKey(ctx context.Context, workspaceID string, provider model.Provider, secret, customEndpoint string) (*model.ProviderCredential, error) {
	ciphertext, err := v.cipher.Encrypt(secret)
	if err != nil {
		return nil, err
	}

	cred := &model.ProviderCredential{
		ID:             model.NewID(),
		WorkspaceID:    workspaceID,
		Provider:       provider,
		Ciphertext:     ciphertext,
		CustomEndpoint: customEndpoint,
		TotalCost:      decimal.Zero,
	}
	if err := v.creds.PutCredential(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

// AllowCall returns a CircuitOpen error when the (workspace, provider)
// circuit is open.
func (v *Vault) AllowCall(workspaceID string, provider model.Provider) error {
	if err := v.breaker.Allow(workspaceID, provider); err != nil {
		observability.LogCircuitOpen(v.logger, workspaceID, string(provider), v.breaker.Failures(workspaceID, provider))
		return err
	}
	return nil
}

// ReportResult feeds an execution attempt's outcome into the breaker.
func (v *Vault) ReportResult(workspaceID string, provider model.Provider, success bool) {
	if success {
		v.breaker.RecordSuccess(workspaceID, provider)
	} else {
		v.breaker.RecordFailure(workspaceID, provider)
	}
}

// TrackUsage increments the credential's counters and upserts the
// same-day usage metric. Failures are logged and swallowed: billing
// bookkeeping must never abort a user-facing execution.
func (v *Vault) TrackUsage(ctx context.Context, credentialID, workspaceID string, provider model.Provider, tokens int64, cost decimal.Decimal, errored bool) {
	if credentialID != "" {
		if err := v.creds.RecordUsage(ctx, credentialID, tokens, cost, errored); err != nil {
			observability.LogSideEffectError(v.logger, "credential usage tracking", err)
		}
	}

	metric := &model.UsageMetric{
		WorkspaceID: workspaceID,
		Provider:    provider,
		Day:         time.Now().UTC().Format("2006-01-02"),
		Requests:    1,
		Tokens:      tokens,
		Cost:        cost,
	}
	if err := v.usage.UpsertDaily(ctx, metric); err != nil {
		observability.LogSideEffectError(v.logger, "daily usage metric upsert", err)
	}
}
