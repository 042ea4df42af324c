package integration

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
)

// HTTPImageSearcher searches a stock-image provider's REST API.
type HTTPImageSearcher struct {
	httpClient
}

// NewImageSearcher creates an image searcher. client and logger may be
// nil.
func NewImageSearcher(cfg Config, client *http.Client, logger *slog.Logger) *HTTPImageSearcher {
	return &HTTPImageSearcher{newHTTPClient(cfg, client, logger)}
}

// Search returns up to limit hits for the query.
func (s *HTTPImageSearcher) Search(ctx context.Context, query string, limit int) ([]Image, error) {
	if limit <= 0 {
		limit = 10
	}
	var result struct {
		Results []Image `json:"results"`
	}
	path := "/search/photos?query=" + url.QueryEscape(query) + "&per_page=" + strconv.Itoa(limit)
	if err := s.doJSON(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("image search %q: %w", query, err)
	}
	return result.Results, nil
}

// HTTPCMSProvisioner provisions spaces on a headless CMS.
type HTTPCMSProvisioner struct {
	httpClient
}

// NewCMSProvisioner creates a CMS provisioner. client and logger may be
// nil.
func NewCMSProvisioner(cfg Config, client *http.Client, logger *slog.Logger) *HTTPCMSProvisioner {
	return &HTTPCMSProvisioner{newHTTPClient(cfg, client, logger)}
}

// Provision creates a CMS space for the project.
func (p *HTTPCMSProvisioner) Provision(ctx context.Context, req CMSRequest) (*CMSResult, error) {
	var result CMSResult
	if err := p.doJSON(ctx, http.MethodPost, "/spaces", req, &result); err != nil {
		return nil, fmt.Errorf("provision cms space: %w", err)
	}
	p.logger.Info("Provisioned CMS space",
		"project_id", req.ProjectID, "space_id", result.SpaceID)
	return &result, nil
}

// HTTPEmailConfigurator sets up sending domains on a transactional
// email provider.
type HTTPEmailConfigurator struct {
	httpClient
}

// NewEmailConfigurator creates an email configurator. client and logger
// may be nil.
func NewEmailConfigurator(cfg Config, client *http.Client, logger *slog.Logger) *HTTPEmailConfigurator {
	return &HTTPEmailConfigurator{newHTTPClient(cfg, client, logger)}
}

// ConfigureDomain registers the sending domain and returns the DNS
// records the customer must publish.
func (e *HTTPEmailConfigurator) ConfigureDomain(ctx context.Context, domain string) (*EmailResult, error) {
	var result EmailResult
	body := map[string]string{"domain": domain}
	if err := e.doJSON(ctx, http.MethodPost, "/domains", body, &result); err != nil {
		return nil, fmt.Errorf("configure email domain %s: %w", domain, err)
	}
	return &result, nil
}

// HTTPAnalyticsInstaller provisions analytics properties.
type HTTPAnalyticsInstaller struct {
	httpClient
}

// NewAnalyticsInstaller creates an analytics installer. client and
// logger may be nil.
func NewAnalyticsInstaller(cfg Config, client *http.Client, logger *slog.Logger) *HTTPAnalyticsInstaller {
	return &HTTPAnalyticsInstaller{newHTTPClient(cfg, client, logger)}
}

// Install creates an analytics property for the site and returns the
// tracking snippet.
func (a *HTTPAnalyticsInstaller) Install(ctx context.Context, projectID, domain string) (*AnalyticsResult, error) {
	var result AnalyticsResult
	body := map[string]string{"project_id": projectID, "domain": domain}
	if err := a.doJSON(ctx, http.MethodPost, "/properties", body, &result); err != nil {
		return nil, fmt.Errorf("install analytics for %s: %w", domain, err)
	}
	return &result, nil
}

// HTTPDeployer publishes site bundles to the hosting provider.
type HTTPDeployer struct {
	httpClient
}

// NewDeployer creates a deployer. client and logger may be nil.
func NewDeployer(cfg Config, client *http.Client, logger *slog.Logger) *HTTPDeployer {
	return &HTTPDeployer{newHTTPClient(cfg, client, logger)}
}

// Deploy uploads the bundle and returns the live deployment.
func (d *HTTPDeployer) Deploy(ctx context.Context, bundle SiteBundle) (*Deployment, error) {
	var result Deployment
	if err := d.doJSON(ctx, http.MethodPost, "/deploys", bundle, &result); err != nil {
		return nil, fmt.Errorf("deploy site %s: %w", bundle.ProjectID, err)
	}
	d.logger.Info("Deployed site",
		"project_id", bundle.ProjectID, "deploy_id", result.DeployID, "url", result.URL)
	return &result, nil
}
