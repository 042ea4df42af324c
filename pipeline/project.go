package pipeline

import (
	"errors"
	"fmt"
)

// ErrInvalidProject marks a client payload the orchestrator refuses to
// start a pipeline for. The HTTP surface maps it to a 400.
var ErrInvalidProject = errors.New("invalid project")

// Project is the full client payload carried by every Envelope. The
// orchestration core only reads the fields that drive topology (pages,
// add-ons); everything else passes through opaquely to the agents.
type Project struct {
	ID           string     `json:"id"`
	BusinessName string     `json:"business_name"`
	Industry     string     `json:"industry,omitempty"`
	Description  string     `json:"description,omitempty"`
	Domain       string     `json:"domain,omitempty"`
	PackageType  string     `json:"package_type,omitempty"`
	Pages        []PageSpec `json:"pages"`
	Addons       Addons     `json:"addons"`
}

// PageSpec describes one page of the generated site.
type PageSpec struct {
	Slug     string   `json:"slug"`
	Title    string   `json:"title"`
	Sections []string `json:"sections,omitempty"`
}

// Addons records which optional integrations the client purchased.
// They gate the conditional phase-5 chain.
type Addons struct {
	CMS       bool `json:"cms"`
	Email     bool `json:"email"`
	Analytics bool `json:"analytics"`
}

// Validate checks the minimum fields the orchestrator needs.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("%w: project id is required", ErrInvalidProject)
	}
	if p.BusinessName == "" {
		return fmt.Errorf("%w: business_name is required", ErrInvalidProject)
	}
	if len(p.Pages) == 0 {
		return fmt.Errorf("%w: at least one page is required", ErrInvalidProject)
	}
	for i, page := range p.Pages {
		if page.Slug == "" {
			return fmt.Errorf("%w: page %d: slug is required", ErrInvalidProject, i)
		}
	}
	return nil
}
