package driver

import (
	"testing"

	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestRenderPolicyIngressCarriesExplicitRules(t *testing.T) {
	net := domain.NetworkSpec{
		Profile: domain.ProfileIngress,
		Ingress: []domain.CIDRRule{{CIDR: "10.0.0.0/8", Ports: []int{22}}},
		Egress:  []domain.CIDRRule{{CIDR: "0.0.0.0/0", Ports: []int{443}}},
	}
	policy := renderPolicy(net)
	assert.False(t, policy.DenyAll)
	assert.Empty(t, policy.AllowPodLabel)
	assert.Nil(t, policy.ProxySelector)
	assert.Equal(t, []renderedRule{{CIDR: "10.0.0.0/8", Ports: []int{22}}}, policy.Ingress)
	assert.Equal(t, []renderedRule{{CIDR: "0.0.0.0/0", Ports: []int{443}}}, policy.Egress)
}

func TestRenderPolicySetupUsesProxySelector(t *testing.T) {
	net := domain.NetworkSpec{
		Profile:       domain.ProfileSetup,
		ProxySelector: map[string]any{"role": "setup-proxy"},
	}
	policy := renderPolicy(net)
	assert.Equal(t, map[string]any{"role": "setup-proxy"}, policy.ProxySelector)
	assert.False(t, policy.DenyAll)
	assert.Empty(t, policy.AllowPodLabel)
}

func TestRenderPolicyAnalysisAndStoppedDenyAll(t *testing.T) {
	for _, profile := range []domain.NetworkPolicyProfile{domain.ProfileAnalysis, domain.ProfileStopped} {
		policy := renderPolicy(domain.NetworkSpec{Profile: profile})
		assert.True(t, policy.DenyAll, "profile %s should deny all", profile)
		assert.Empty(t, policy.Ingress)
		assert.Empty(t, policy.Egress)
	}
}

func TestRenderPolicyPreprocessReviewSetupReviewAllowPodLabel(t *testing.T) {
	for _, profile := range []domain.NetworkPolicyProfile{domain.ProfilePreprocess, domain.ProfileReview, domain.ProfileSetupReview} {
		policy := renderPolicy(domain.NetworkSpec{Profile: profile})
		assert.Equal(t, "hdab", policy.AllowPodLabel, "profile %s should allow the review-tooling label", profile)
		assert.False(t, policy.DenyAll)
	}
}
