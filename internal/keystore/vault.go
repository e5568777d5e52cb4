package keystore

import (
	"context"
	"fmt"
	"time"

	"funding_arb/internal/config"
	"funding_arb/internal/core"
	apperrors "funding_arb/pkg/errors"

	"github.com/google/uuid"
	vault "github.com/hashicorp/vault/api"
)

// vaultStore keeps plaintext credentials in a Vault KV v2 mount and only a
// pointer row in the repository. The mount handles encryption at rest, so no
// master secret lives in this process.
type vaultStore struct {
	client *vault.Client
	repo   core.Repository
	logger core.ILogger
	mount  string
	prefix string
}

func newVaultStore(cfg config.KeystoreConfig, repo core.Repository, logger core.ILogger) (*vaultStore, error) {
	vc := vault.DefaultConfig()
	vc.Address = cfg.Vault.Address
	client, err := vault.NewClient(vc)
	if err != nil {
		return nil, fmt.Errorf("init vault client: %w", err)
	}
	client.SetToken(string(cfg.Vault.Token))
	return &vaultStore{
		client: client,
		repo:   repo,
		logger: logger.WithField("component", "keystore"),
		mount:  cfg.Vault.MountPath,
		prefix: cfg.Vault.PathPrefix,
	}, nil
}

// dataPath addresses the KV v2 data endpoint for one user/venue pair.
func (s *vaultStore) dataPath(userID, venue string) string {
	return fmt.Sprintf("%s/data/%s/%s/%s", s.mount, s.prefix, userID, venue)
}

// metadataPath addresses the KV v2 metadata endpoint, which deletes all
// secret versions at once.
func (s *vaultStore) metadataPath(userID, venue string) string {
	return fmt.Sprintf("%s/metadata/%s/%s/%s", s.mount, s.prefix, userID, venue)
}

func (s *vaultStore) Credentials(ctx context.Context, userID, venue string) (*core.Credentials, error) {
	sec, err := s.client.Logical().ReadWithContext(ctx, s.dataPath(userID, venue))
	if err != nil {
		return nil, fmt.Errorf("%w: vault read: %v", apperrors.ErrTransport, err)
	}
	if sec == nil || sec.Data == nil {
		return nil, fmt.Errorf("%w: no %s credentials for user %s", apperrors.ErrCredentialMissing, venue, userID)
	}
	data, ok := sec.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("%w: malformed vault entry for %s/%s", apperrors.ErrCredentialInvalid, userID, venue)
	}

	creds := &core.Credentials{
		APIKey:     fieldBytes(data, "api_key"),
		SecretKey:  fieldBytes(data, "secret_key"),
		Passphrase: fieldBytes(data, "passphrase"),
	}
	if len(creds.APIKey) == 0 || len(creds.SecretKey) == 0 {
		creds.Zero()
		return nil, fmt.Errorf("%w: vault entry for %s/%s lacks api_key or secret_key", apperrors.ErrCredentialInvalid, userID, venue)
	}

	auditAccess(ctx, s.repo, s.logger, userID, venue, "credentials.decrypt", "vault")
	return creds, nil
}

func (s *vaultStore) Store(ctx context.Context, userID, venue string, creds *core.Credentials) error {
	if creds.Empty() || len(creds.SecretKey) == 0 {
		return fmt.Errorf("%w: api key and secret are required", apperrors.ErrValidation)
	}

	data := map[string]interface{}{
		"api_key":    string(creds.APIKey),
		"secret_key": string(creds.SecretKey),
	}
	if len(creds.Passphrase) > 0 {
		data["passphrase"] = string(creds.Passphrase)
	}
	path := s.dataPath(userID, venue)
	if _, err := s.client.Logical().WriteWithContext(ctx, path, map[string]interface{}{"data": data}); err != nil {
		return fmt.Errorf("%w: vault write: %v", apperrors.ErrTransport, err)
	}

	row := &core.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Venue:     venue,
		VaultPath: path,
		CreatedAt: time.Now(),
	}
	if err := s.repo.APIKeys().Upsert(ctx, row); err != nil {
		return fmt.Errorf("persist api key: %w", err)
	}

	auditAccess(ctx, s.repo, s.logger, userID, venue, "credentials.store", "vault")
	s.logger.Info("Credentials stored", "user_id", userID, "venue", venue)
	return nil
}

func (s *vaultStore) Delete(ctx context.Context, userID, venue string) error {
	if _, err := s.client.Logical().DeleteWithContext(ctx, s.metadataPath(userID, venue)); err != nil {
		return fmt.Errorf("%w: vault delete: %v", apperrors.ErrTransport, err)
	}
	if err := s.repo.APIKeys().Delete(ctx, userID, venue); err != nil {
		return fmt.Errorf("delete api key: %w", err)
	}
	auditAccess(ctx, s.repo, s.logger, userID, venue, "credentials.delete", "vault")
	s.logger.Info("Credentials deleted", "user_id", userID, "venue", venue)
	return nil
}

func fieldBytes(data map[string]interface{}, key string) []byte {
	v, ok := data[key].(string)
	if !ok || v == "" {
		return nil
	}
	return []byte(v)
}
