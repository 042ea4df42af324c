// Package integration defines the narrow contracts for the external
// collaborators the pipeline provisions during phases 4-6: stock-image
// search, headless CMS, transactional email, analytics, and the
// deployment host. The orchestration core only cares that these calls
// succeed, fail, or are not configured; their payloads pass through
// opaquely.
package integration

import (
	"context"
	"errors"
)

// ErrNotConfigured marks an optional integration whose credentials or
// endpoint are missing. Phase-5 agents translate it into a skip rather
// than a failure so the conditional chain can still complete.
var ErrNotConfigured = errors.New("integration not configured")

// Image is one stock-image search hit.
type Image struct {
	ID          string `json:"id"`
	URL         string `json:"url"`
	ThumbURL    string `json:"thumb_url,omitempty"`
	Description string `json:"description,omitempty"`
	Credit      string `json:"credit,omitempty"`
}

// ImageSearcher finds stock imagery for the research phase.
type ImageSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]Image, error)
}

// CMSRequest asks for a headless CMS space for the project.
type CMSRequest struct {
	ProjectID    string   `json:"project_id"`
	BusinessName string   `json:"business_name"`
	Collections  []string `json:"collections,omitempty"`
}

// CMSResult describes the provisioned CMS space.
type CMSResult struct {
	SpaceID     string `json:"space_id"`
	AdminURL    string `json:"admin_url,omitempty"`
	DeliveryKey string `json:"delivery_key,omitempty"`
}

// CMSProvisioner provisions a headless CMS space.
type CMSProvisioner interface {
	Provision(ctx context.Context, req CMSRequest) (*CMSResult, error)
}

// EmailResult describes a transactional-email domain setup.
type EmailResult struct {
	DomainID   string   `json:"domain_id"`
	DNSRecords []string `json:"dns_records,omitempty"`
	Verified   bool     `json:"verified"`
}

// EmailConfigurator sets up a transactional-email sending domain.
type EmailConfigurator interface {
	ConfigureDomain(ctx context.Context, domain string) (*EmailResult, error)
}

// AnalyticsResult describes a provisioned analytics property.
type AnalyticsResult struct {
	PropertyID    string `json:"property_id"`
	MeasurementID string `json:"measurement_id,omitempty"`
	Snippet       string `json:"snippet,omitempty"`
}

// AnalyticsInstaller provisions an analytics property for the site.
type AnalyticsInstaller interface {
	Install(ctx context.Context, projectID, domain string) (*AnalyticsResult, error)
}

// SiteBundle is the deployable artifact handed to the host.
type SiteBundle struct {
	ProjectID string         `json:"project_id"`
	Domain    string         `json:"domain,omitempty"`
	Pages     map[string]any `json:"pages"`
	Assets    map[string]any `json:"assets,omitempty"`
}

// Deployment describes the result of a deploy.
type Deployment struct {
	DeployID string `json:"deploy_id"`
	URL      string `json:"url"`
}

// Deployer publishes the generated site to the hosting provider.
type Deployer interface {
	Deploy(ctx context.Context, bundle SiteBundle) (*Deployment, error)
}
