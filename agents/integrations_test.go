package agents

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/courius/sitepipe/integration"
	"github.com/courius/sitepipe/pipeline"
)

type fakeCMS struct {
	res   *integration.CMSResult
	err   error
	calls int
	last  integration.CMSRequest
}

func (f *fakeCMS) Provision(_ context.Context, req integration.CMSRequest) (*integration.CMSResult, error) {
	f.calls++
	f.last = req
	return f.res, f.err
}

type fakeEmail struct {
	res *integration.EmailResult
	err error
}

func (f *fakeEmail) ConfigureDomain(context.Context, string) (*integration.EmailResult, error) {
	return f.res, f.err
}

func integrationEnvelope(agentName string, addons pipeline.Addons) *pipeline.Envelope {
	return &pipeline.Envelope{
		PipelineRunID: "run-1",
		ProjectID:     "proj-1",
		AgentName:     agentName,
		Phase:         pipeline.PhaseIntegrations,
		Sequence:      1,
		Attempt:       1,
		Project: pipeline.Project{
			ID:           "proj-1",
			BusinessName: "Acme Bakery",
			Domain:       "acme.example",
			Pages:        []pipeline.PageSpec{{Slug: "home", Title: "Home"}},
			Addons:       addons,
		},
	}
}

func TestCMSProvisionerSkipsUnpurchased(t *testing.T) {
	cms := &fakeCMS{}
	a := NewCMSProvisioner(cms, nil)

	res, err := a.Execute(context.Background(), integrationEnvelope(a.Name(), pipeline.Addons{}))
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["skipped"])
	assert.Zero(t, cms.calls)
}

func TestCMSProvisionerSkipsUnconfiguredProvider(t *testing.T) {
	cms := &fakeCMS{err: integration.ErrNotConfigured}
	a := NewCMSProvisioner(cms, nil)

	res, err := a.Execute(context.Background(), integrationEnvelope(a.Name(), pipeline.Addons{CMS: true}))
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["skipped"])
	assert.Equal(t, 1, cms.calls)
}

func TestCMSProvisionerProvisions(t *testing.T) {
	cms := &fakeCMS{res: &integration.CMSResult{SpaceID: "space-9", AdminURL: "https://cms/space-9"}}
	a := NewCMSProvisioner(cms, nil)

	res, err := a.Execute(context.Background(), integrationEnvelope(a.Name(), pipeline.Addons{CMS: true}))
	require.NoError(t, err)
	assert.Equal(t, "space-9", res.Output["space_id"])
	assert.Equal(t, []string{"home"}, cms.last.Collections)
}

func TestCMSProvisionerPropagatesProviderFailure(t *testing.T) {
	cms := &fakeCMS{err: errors.New("quota exceeded")}
	a := NewCMSProvisioner(cms, nil)

	_, err := a.Execute(context.Background(), integrationEnvelope(a.Name(), pipeline.Addons{CMS: true}))
	assert.Error(t, err)
}

func TestEmailConfiguratorSkipsWithoutDomain(t *testing.T) {
	a := NewEmailConfigurator(&fakeEmail{}, nil)

	env := integrationEnvelope(a.Name(), pipeline.Addons{Email: true})
	env.Project.Domain = ""
	res, err := a.Execute(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, true, res.Output["skipped"])
}

func TestEmailConfiguratorConfigures(t *testing.T) {
	a := NewEmailConfigurator(&fakeEmail{res: &integration.EmailResult{
		DomainID:   "dom-1",
		DNSRecords: []string{"TXT v=spf1"},
	}}, nil)

	res, err := a.Execute(context.Background(), integrationEnvelope(a.Name(), pipeline.Addons{Email: true}))
	require.NoError(t, err)
	assert.Equal(t, "dom-1", res.Output["domain_id"])
}
