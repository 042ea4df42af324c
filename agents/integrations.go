package agents

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/courius/sitepipe/agent"
	"github.com/courius/sitepipe/integration"
	"github.com/courius/sitepipe/pipeline"
)

// Phase-5 agents share one shape: check the purchased add-on, call the
// provider, and degrade an unconfigured provider into a skip marker so
// the conditional chain still completes.

type cmsProvisioner struct {
	provisioner integration.CMSProvisioner
	logger      *slog.Logger
}

// NewCMSProvisioner creates the CMS add-on agent.
func NewCMSProvisioner(provisioner integration.CMSProvisioner, logger *slog.Logger) agent.Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &cmsProvisioner{provisioner: provisioner, logger: logger}
}

func (a *cmsProvisioner) Name() string     { return pipeline.AgentCMSProvisioner }
func (a *cmsProvisioner) Background() bool { return false }

func (a *cmsProvisioner) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	if !pipeline.IntegrationPurchased(pipeline.AgentCMSProvisioner, env.Project) {
		return skipResult("cms add-on not purchased"), nil
	}

	collections := make([]string, 0, len(env.Project.Pages))
	for _, page := range env.Project.Pages {
		collections = append(collections, page.Slug)
	}
	res, err := a.provisioner.Provision(ctx, integration.CMSRequest{
		ProjectID:    env.ProjectID,
		BusinessName: env.Project.BusinessName,
		Collections:  collections,
	})
	if errors.Is(err, integration.ErrNotConfigured) {
		a.logger.Warn("CMS provider not configured, skipping", "project_id", env.ProjectID)
		return skipResult("cms provider not configured"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("provision cms: %w", err)
	}

	return &agent.Result{Output: map[string]any{
		"space_id":  res.SpaceID,
		"admin_url": res.AdminURL,
	}}, nil
}

type emailConfigurator struct {
	configurator integration.EmailConfigurator
	logger       *slog.Logger
}

// NewEmailConfigurator creates the transactional-email add-on agent.
func NewEmailConfigurator(configurator integration.EmailConfigurator, logger *slog.Logger) agent.Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &emailConfigurator{configurator: configurator, logger: logger}
}

func (a *emailConfigurator) Name() string     { return pipeline.AgentEmailConfigurator }
func (a *emailConfigurator) Background() bool { return false }

func (a *emailConfigurator) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	if !pipeline.IntegrationPurchased(pipeline.AgentEmailConfigurator, env.Project) {
		return skipResult("email add-on not purchased"), nil
	}
	if env.Project.Domain == "" {
		return skipResult("no domain to configure email for"), nil
	}

	res, err := a.configurator.ConfigureDomain(ctx, env.Project.Domain)
	if errors.Is(err, integration.ErrNotConfigured) {
		a.logger.Warn("Email provider not configured, skipping", "project_id", env.ProjectID)
		return skipResult("email provider not configured"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("configure email domain: %w", err)
	}

	return &agent.Result{Output: map[string]any{
		"domain_id":   res.DomainID,
		"dns_records": res.DNSRecords,
		"verified":    res.Verified,
	}}, nil
}

type analyticsInstaller struct {
	installer integration.AnalyticsInstaller
	logger    *slog.Logger
}

// NewAnalyticsInstaller creates the analytics add-on agent.
func NewAnalyticsInstaller(installer integration.AnalyticsInstaller, logger *slog.Logger) agent.Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &analyticsInstaller{installer: installer, logger: logger}
}

func (a *analyticsInstaller) Name() string     { return pipeline.AgentAnalyticsInstaller }
func (a *analyticsInstaller) Background() bool { return false }

func (a *analyticsInstaller) Execute(ctx context.Context, env *pipeline.Envelope) (*agent.Result, error) {
	if !pipeline.IntegrationPurchased(pipeline.AgentAnalyticsInstaller, env.Project) {
		return skipResult("analytics add-on not purchased"), nil
	}

	res, err := a.installer.Install(ctx, env.ProjectID, env.Project.Domain)
	if errors.Is(err, integration.ErrNotConfigured) {
		a.logger.Warn("Analytics provider not configured, skipping", "project_id", env.ProjectID)
		return skipResult("analytics provider not configured"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("install analytics: %w", err)
	}

	return &agent.Result{Output: map[string]any{
		"property_id":    res.PropertyID,
		"measurement_id": res.MeasurementID,
		"snippet":        res.Snippet,
	}}, nil
}
