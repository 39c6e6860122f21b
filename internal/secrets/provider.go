// Package secrets resolves secret references (backup keys, vendor API keys)
// with a small in-memory TTL cache in front of the vault service.
package secrets

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// Provider resolves a secret reference to its current value.
type Provider interface {
	Get(ctx context.Context, ref string) (string, error)
}

type cachedSecret struct {
	value     string
	expiresAt time.Time
}

// SSMProvider reads secrets from AWS SSM Parameter Store and caches them
// in memory for a bounded TTL.
type SSMProvider struct {
	client *ssm.Client
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cachedSecret
}

func NewSSMProvider(ctx context.Context, region string, ttl time.Duration) (*SSMProvider, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SSMProvider{
		client: ssm.NewFromConfig(awsCfg),
		ttl:    ttl,
		cache:  make(map[string]cachedSecret),
	}, nil
}

func (p *SSMProvider) Get(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("empty secret reference")
	}

	p.mu.RLock()
	cached, ok := p.cache[ref]
	p.mu.RUnlock()
	if ok && time.Now().Before(cached.expiresAt) {
		return cached.value, nil
	}

	withDecryption := true
	out, err := p.client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           &ref,
		WithDecryption: &withDecryption,
	})
	if err != nil {
		// Serve a stale cached value over failing hard.
		if ok {
			return cached.value, nil
		}
		return "", fmt.Errorf("get parameter %s: %w", ref, err)
	}
	if out.Parameter == nil || out.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", ref)
	}

	value := *out.Parameter.Value
	p.mu.Lock()
	p.cache[ref] = cachedSecret{value: value, expiresAt: time.Now().Add(p.ttl)}
	p.mu.Unlock()

	return value, nil
}

// EnvProvider resolves secret references straight from environment
// variables. Used for local development, where no vault is available.
type EnvProvider struct{}

func (EnvProvider) Get(_ context.Context, ref string) (string, error) {
	value := os.Getenv(ref)
	if value == "" {
		return "", fmt.Errorf("env secret %s is not set", ref)
	}
	return value, nil
}
