package driver

import "github.com/spe-platform/workspace-orchestrator/internal/domain"

// renderedRule is a platform-neutral CIDR peer + port list, the shape the
// Kubernetes driver builds network policy rules from (the no-op driver
// renders no policy).
type renderedRule struct {
	CIDR  string
	Ports []int
}

// renderedPolicy is the platform-neutral result of applying the profile
// rendering rules from the network-policy table; backends translate it
// into their own resource shape.
type renderedPolicy struct {
	Ingress       []renderedRule
	Egress        []renderedRule
	AllowPodLabel string // non-empty: allow ingress from pods with this role label
	DenyAll       bool
	ProxySelector map[string]any // non-empty only for SETUP
}

// renderPolicy implements the per-profile network policy rendering rules.
func renderPolicy(net domain.NetworkSpec) renderedPolicy {
	switch net.Profile {
	case domain.ProfileIngress:
		policy := renderedPolicy{}
		for _, rule := range net.Ingress {
			policy.Ingress = append(policy.Ingress, renderedRule{CIDR: rule.CIDR, Ports: rule.Ports})
		}
		for _, rule := range net.Egress {
			policy.Egress = append(policy.Egress, renderedRule{CIDR: rule.CIDR, Ports: rule.Ports})
		}
		return policy
	case domain.ProfileSetup:
		return renderedPolicy{ProxySelector: net.ProxySelector}
	case domain.ProfileAnalysis, domain.ProfileStopped:
		return renderedPolicy{DenyAll: true}
	default: // PREPROCESS, REVIEW, SETUP_REVIEW
		return renderedPolicy{AllowPodLabel: "hdab"}
	}
}
