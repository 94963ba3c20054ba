package cli

import (
	"context"
	"fmt"

	"github.com/evanofslack/cloud-dns-sync/internal/config"
	"github.com/evanofslack/cloud-dns-sync/internal/metrics"
	"github.com/evanofslack/cloud-dns-sync/internal/provider"
	"github.com/evanofslack/cloud-dns-sync/internal/provider/cloudflare"
	"github.com/evanofslack/cloud-dns-sync/internal/provider/linode"
	"github.com/evanofslack/cloud-dns-sync/internal/provider/route53"
	"github.com/evanofslack/cloud-dns-sync/internal/reconcile"
	"github.com/evanofslack/cloud-dns-sync/internal/retry"
)

// newProvider builds the backend named by dns.provider. Tests replace it.
var newProvider = func(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (provider.Client, error) {
	switch cfg.DNS.Provider {
	case "cloudflare":
		return cloudflare.New(ctx, cfg.Cloudflare, m)
	case "route53":
		return route53.New(ctx, cfg.Route53, m)
	case "linode":
		return linode.New(cfg.Linode, m)
	default:
		return nil, fmt.Errorf("%w: %q", config.ErrUnknownProvider, cfg.DNS.Provider)
	}
}

func retryPolicy(cfg config.Retry) retry.Policy {
	p := retry.Default()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.MaxElapsed > 0 {
		p.MaxElapsed = cfg.MaxElapsed
	}
	if cfg.BaseDelay > 0 {
		p.BaseDelay = cfg.BaseDelay
	}
	if cfg.MaxDelay > 0 {
		p.MaxDelay = cfg.MaxDelay
	}
	return p
}

func newEngine(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (provider.Client, reconcile.Engine, error) {
	client, err := newProvider(ctx, cfg, m)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize dns provider: %w", err)
	}
	engine := reconcile.NewEngine(client, cfg.Reconcile, m, reconcile.WithPolicy(retryPolicy(cfg.Retry)))
	return client, engine, nil
}
