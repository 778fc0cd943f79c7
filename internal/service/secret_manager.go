package service

import (
	"context"
	"errors"
	"fmt"

	"locketwan/internal/config"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"google.golang.org/api/option"
)

// SecretManagerService reads deployment secrets such as the JWT signing key.
type SecretManagerService interface {
	AccessSecret(ctx context.Context, name string) (string, error)
	Close() error
}

// SecretAccessor is the subset of the Secret Manager client we call.
type SecretAccessor interface {
	AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error)
}

type secretManagerService struct {
	client    SecretAccessor
	closer    func() error
	projectID string
}

func NewSecretManagerService(ctx context.Context, cfg *config.Config, opts ...option.ClientOption) (SecretManagerService, error) {
	if cfg.GCPProjectID == "" {
		return nil, errors.New("GCP_PROJECT_ID is not set")
	}
	// Note: Secret Manager requires a real GCP project even for local development.
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Secret Manager client: %w", err)
	}
	return &secretManagerService{
		client:    &gapicAccessor{client},
		closer:    client.Close,
		projectID: cfg.GCPProjectID,
	}, nil
}

// gapicAccessor drops the gax call options so the client satisfies SecretAccessor.
type gapicAccessor struct {
	c *secretmanager.Client
}

func (g *gapicAccessor) AccessSecretVersion(ctx context.Context, req *secretmanagerpb.AccessSecretVersionRequest) (*secretmanagerpb.AccessSecretVersionResponse, error) {
	return g.c.AccessSecretVersion(ctx, req)
}

func (s *secretManagerService) AccessSecret(ctx context.Context, name string) (string, error) {
	resourceName := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", s.projectID, name)
	result, err := s.client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{
		Name: resourceName,
	})
	if err != nil {
		return "", fmt.Errorf("failed to access secret version: %w", err)
	}
	return string(result.Payload.Data), nil
}

func (s *secretManagerService) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// ResolveJWTKey returns JWT_SECRET, or the Secret Manager secret named by
// JWT_SECRET_NAME. An empty key disables bearer auth.
func ResolveJWTKey(ctx context.Context, cfg *config.Config, secrets SecretManagerService) (string, error) {
	if cfg.JWTSecret != "" || cfg.JWTSecretName == "" {
		return cfg.JWTSecret, nil
	}
	if secrets == nil {
		return "", errors.New("JWT_SECRET_NAME is set but Secret Manager is unavailable")
	}
	return secrets.AccessSecret(ctx, cfg.JWTSecretName)
}
