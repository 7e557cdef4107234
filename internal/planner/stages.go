package planner

import "github.com/spe-platform/workspace-orchestrator/internal/domain"

// volumeTemplate is a stage-default volume, rendered verbatim unless the
// payload supplies its own volumes list.
type volumeTemplate struct {
	name         string
	storageClass string
	size         string
	accessModes  []string
	readOnly     bool
	mountPath    string
}

func (t volumeTemplate) spec() domain.VolumeSpec {
	return domain.VolumeSpec{
		Name:         t.name,
		StorageClass: t.storageClass,
		Size:         t.size,
		AccessModes:  t.accessModes,
		ReadOnly:     t.readOnly,
		MountPath:    t.mountPath,
	}
}

const defaultStorageClass = "spe-ceph-rbd"

// stageDescriptor is the static, per-stage configuration table the Plan
// Builder is driven by. This is "open polymorphism over stages" realised as
// data rather than a type hierarchy: adding a stage means adding a row.
type stageDescriptor struct {
	image           string
	profile         domain.NetworkPolicyProfile
	defaultEnv      map[string]string
	requiresUser    bool
	volumeTemplates []volumeTemplate
	// buildVolumes overrides volumeTemplates when set (only INGRESS needs
	// payload-driven volume fan-out).
	buildVolumes func(payload map[string]any) []domain.VolumeSpec
}

var stageTable = map[domain.Stage]stageDescriptor{
	domain.StageIngress: {
		image:        "workspace-ingress:stable",
		profile:      domain.ProfileIngress,
		defaultEnv:   map[string]string{"SERVICE_MODE": "sftp"},
		requiresUser: false,
		buildVolumes: buildIngressVolumes,
	},
	domain.StagePreprocess: {
		image:        "workspace-hdab-preprocess:stable",
		profile:      domain.ProfilePreprocess,
		requiresUser: true,
		volumeTemplates: []volumeTemplate{
			{name: "raw", storageClass: defaultStorageClass, size: "200Gi", accessModes: []string{"ReadOnlyMany"}, readOnly: true, mountPath: "/raw"},
			{name: "prepared", storageClass: defaultStorageClass, size: "200Gi", accessModes: []string{"ReadWriteOnce"}, readOnly: false, mountPath: "/prepared"},
		},
	},
	domain.StageReview: {
		image:        "workspace-hdab-review:stable",
		profile:      domain.ProfileReview,
		requiresUser: true,
		volumeTemplates: []volumeTemplate{
			{name: "prepared", storageClass: defaultStorageClass, size: "200Gi", accessModes: []string{"ReadOnlyMany"}, readOnly: true, mountPath: "/prepared"},
		},
	},
	domain.StageSetup: {
		image:        "workspace-researcher-setup:stable",
		profile:      domain.ProfileSetup,
		defaultEnv:   map[string]string{"PROXY_ENABLED": "true"},
		requiresUser: true,
		volumeTemplates: []volumeTemplate{
			{name: "project", storageClass: defaultStorageClass, size: "100Gi", accessModes: []string{"ReadWriteMany"}, readOnly: false, mountPath: "/project"},
		},
	},
	domain.StageSetupReview: {
		image:        "workspace-setup-review:stable",
		profile:      domain.ProfileSetupReview,
		requiresUser: true,
		volumeTemplates: []volumeTemplate{
			{name: "project", storageClass: defaultStorageClass, size: "100Gi", accessModes: []string{"ReadOnlyMany"}, readOnly: true, mountPath: "/project"},
		},
	},
	domain.StageAnalysis: {
		image:        "workspace-analysis:stable",
		profile:      domain.ProfileAnalysis,
		defaultEnv:   map[string]string{"INTERNET_ACCESS": "disabled"},
		requiresUser: true,
		volumeTemplates: []volumeTemplate{
			{name: "prepared", storageClass: defaultStorageClass, size: "200Gi", accessModes: []string{"ReadOnlyMany"}, readOnly: true, mountPath: "/prepared_data"},
			{name: "outputs", storageClass: defaultStorageClass, size: "200Gi", accessModes: []string{"ReadWriteOnce"}, readOnly: false, mountPath: "/outputs"},
			{name: "project", storageClass: defaultStorageClass, size: "100Gi", accessModes: []string{"ReadWriteMany"}, readOnly: false, mountPath: "/project"},
		},
	},
}

// defaultProxySelector is the SETUP stage's default egress target when the
// payload does not override it.
func defaultProxySelector() map[string]any {
	return map[string]any{
		"namespaceSelector": map[string]any{"matchLabels": map[string]any{"kubernetes.io/metadata.name": "infra"}},
		"podSelector":        map[string]any{"matchLabels": map[string]any{"app": "spe-proxy"}},
	}
}
