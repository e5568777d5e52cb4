// Package keystore resolves decrypted venue credentials for signed API
// calls. Two backends exist: a local one that keeps AES-GCM ciphertexts in
// the repository under a master secret from the environment, and a HashiCorp
// Vault one that reads the KV v2 mount directly. Every successful
// decryption is written to the audit log; callers own the returned buffers
// and must Zero them after use.
package keystore

import (
	"context"
	"fmt"
	"os"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/google/uuid"
)

// New selects the backend from configuration.
func New(cfg config.KeystoreConfig, repo core.Repository, logger core.ILogger) (core.IKeystore, error) {
	switch cfg.Backend {
	case "vault":
		return newVaultStore(cfg, repo, logger)
	default:
		return newLocalStore(cfg, repo, logger)
	}
}

type localStore struct {
	repo   core.Repository
	logger core.ILogger
	secret []byte
}

func newLocalStore(cfg config.KeystoreConfig, repo core.Repository, logger core.ILogger) (*localStore, error) {
	secret := os.Getenv(cfg.LocalSecretEnv)
	if secret == "" {
		return nil, fmt.Errorf("%w: master secret %s is not set", apperrors.ErrCredentialMissing, cfg.LocalSecretEnv)
	}
	return &localStore{
		repo:   repo,
		logger: logger.WithField("component", "keystore"),
		secret: []byte(secret),
	}, nil
}

func (s *localStore) Credentials(ctx context.Context, userID, venue string) (*core.Credentials, error) {
	rows, err := s.repo.APIKeys().FindByUser(ctx, userID, []string{venue})
	if err != nil {
		return nil, fmt.Errorf("load api key: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no %s credentials for user %s", apperrors.ErrCredentialMissing, venue, userID)
	}
	row := rows[0]

	creds := &core.Credentials{}
	if creds.APIKey, err = open(s.secret, row.KeyCiphertext); err != nil {
		return nil, fmt.Errorf("decrypt %s api key: %w", venue, err)
	}
	if creds.SecretKey, err = open(s.secret, row.SecretCiphertext); err != nil {
		creds.Zero()
		return nil, fmt.Errorf("decrypt %s secret key: %w", venue, err)
	}
	if len(row.PassphraseCiphertext) > 0 {
		if creds.Passphrase, err = open(s.secret, row.PassphraseCiphertext); err != nil {
			creds.Zero()
			return nil, fmt.Errorf("decrypt %s passphrase: %w", venue, err)
		}
	}

	auditAccess(ctx, s.repo, s.logger, userID, venue, "credentials.decrypt", "local")
	return creds, nil
}

func (s *localStore) Store(ctx context.Context, userID, venue string, creds *core.Credentials) error {
	if creds.Empty() || len(creds.SecretKey) == 0 {
		return fmt.Errorf("%w: api key and secret are required", apperrors.ErrValidation)
	}

	row := &core.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Venue:     venue,
		CreatedAt: time.Now(),
	}
	var err error
	if row.KeyCiphertext, err = seal(s.secret, creds.APIKey); err != nil {
		return fmt.Errorf("encrypt api key: %w", err)
	}
	if row.SecretCiphertext, err = seal(s.secret, creds.SecretKey); err != nil {
		return fmt.Errorf("encrypt secret key: %w", err)
	}
	if len(creds.Passphrase) > 0 {
		if row.PassphraseCiphertext, err = seal(s.secret, creds.Passphrase); err != nil {
			return fmt.Errorf("encrypt passphrase: %w", err)
		}
	}
	if err := s.repo.APIKeys().Upsert(ctx, row); err != nil {
		return fmt.Errorf("persist api key: %w", err)
	}

	auditAccess(ctx, s.repo, s.logger, userID, venue, "credentials.store", "local")
	s.logger.Info("Credentials stored", "user_id", userID, "venue", venue)
	return nil
}

func (s *localStore) Delete(ctx context.Context, userID, venue string) error {
	if err := s.repo.APIKeys().Delete(ctx, userID, venue); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	auditAccess(ctx, s.repo, s.logger, userID, venue, "credentials.delete", "local")
	s.logger.Info("Credentials deleted", "user_id", userID, "venue", venue)
	return nil
}

func auditAccess(ctx context.Context, repo core.Repository, logger core.ILogger, userID, venue, action, backend string) {
	if err := repo.AuditLog().Record(ctx, &core.AuditEvent{
		UserID:   userID,
		Action:   action,
		Resource: venue,
		Detail:   backend,
	}); err != nil {
		logger.Warn("Audit record failed", "action", action, "user_id", userID, "venue", venue, "error", err.Error())
	}
}
