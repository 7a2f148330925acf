package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/docpipe/docpipe/internal/auth"
	"github.com/docpipe/docpipe/internal/clock"
	"github.com/docpipe/docpipe/internal/queue"
	"github.com/docpipe/docpipe/internal/repository"
	"github.com/docpipe/docpipe/internal/vectorstore"
)

// TenantService manages tenant lifecycle and API key authentication.
type TenantService struct {
	tenants          repository.TenantRepository
	vectors          vectorstore.VectorStore
	blobs            prefixDeleter
	queue            queue.Queue
	clock            clock.Clock
	defaultRateLimit int
	logger           *slog.Logger
}

// prefixDeleter is the slice of the blob store the tenant service needs.
type prefixDeleter interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// NewTenantService creates a tenant service.
func NewTenantService(tenants repository.TenantRepository, vectors vectorstore.VectorStore,
	blobs prefixDeleter, q queue.Queue, clk clock.Clock, defaultRateLimit int,
	logger *slog.Logger) *TenantService {
	if defaultRateLimit <= 0 {
		defaultRateLimit = 100
	}
	return &TenantService{
		tenants:          tenants,
		vectors:          vectors,
		blobs:            blobs,
		queue:            q,
		clock:            clk,
		defaultRateLimit: defaultRateLimit,
		logger:           logger,
	}
}

// CreateTenantResult carries the new tenant plus the plaintext API key,
// returned exactly once.
type CreateTenantResult struct {
	Tenant *repository.Tenant
	APIKey string
}

// CreateTenant registers a tenant and issues its API key.
func (s *TenantService) CreateTenant(ctx context.Context, name string, rateLimit int) (*CreateTenantResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: tenant name is required", ErrInvalidInput)
	}
	if rateLimit <= 0 {
		rateLimit = s.defaultRateLimit
	}

	key, err := auth.GenerateAPIKey()
	if err != nil {
		return nil, err
	}

	tenant := &repository.Tenant{
		ID:         uuid.New(),
		Name:       name,
		RateLimit:  rateLimit,
		APIKeyHash: auth.HashAPIKey(key),
		CreatedAt:  s.clock.Now(),
	}
	if err := s.tenants.Create(ctx, tenant); err != nil {
		return nil, fmt.Errorf("failed to create tenant: %w", err)
	}

	s.logger.Info("tenant created", "tenant_id", tenant.ID, "name", name)
	return &CreateTenantResult{Tenant: tenant, APIKey: key}, nil
}

// Authenticate resolves an API key to its tenant.
func (s *TenantService) Authenticate(ctx context.Context, apiKey string) (*repository.Tenant, error) {
	if !strings.HasPrefix(apiKey, auth.KeyPrefix) {
		return nil, ErrUnauthorized
	}

	tenant, err := s.tenants.GetByAPIKeyHash(ctx, auth.HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	return tenant, nil
}

// GetTenant returns a tenant by id.
func (s *TenantService) GetTenant(ctx context.Context, id uuid.UUID) (*repository.Tenant, error) {
	tenant, err := s.tenants.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get tenant: %w", err)
	}
	return tenant, nil
}

// ListTenants returns a page of tenants and the total count.
func (s *TenantService) ListTenants(ctx context.Context, limit, offset int) ([]*repository.Tenant, int, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return s.tenants.List(ctx, limit, offset)
}

// DeleteTenant removes the tenant and everything it owns: vectors, blobs,
// queued work, then the database rows.
func (s *TenantService) DeleteTenant(ctx context.Context, id uuid.UUID) error {
	if _, err := s.tenants.GetByID(ctx, id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to get tenant: %w", err)
	}

	if err := s.vectors.DeleteByTenant(ctx, id); err != nil {
		return fmt.Errorf("failed to delete tenant vectors: %w", err)
	}

	blobCount, err := s.blobs.DeletePrefix(ctx, id.String()+"/")
	if err != nil {
		return fmt.Errorf("failed to delete tenant blobs: %w", err)
	}

	dropped := 0
	for _, kind := range repository.Kinds() {
		n, err := s.queue.Clear(ctx, id, kind)
		if err != nil {
			return fmt.Errorf("failed to clear %s queue: %w", kind, err)
		}
		dropped += n
	}

	if err := s.tenants.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete tenant: %w", err)
	}

	s.logger.Info("tenant deleted",
		"tenant_id", id,
		"blobs_deleted", blobCount,
		"messages_dropped", dropped)
	return nil
}
