// Package planner implements the Plan Builder: a pure function that turns
// an inbound event and a target stage into a WorkspacePlan, driven by the
// static stage configuration table in stages.go.
package planner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spe-platform/workspace-orchestrator/internal/apperr"
	"github.com/spe-platform/workspace-orchestrator/internal/domain"
)

// Config is the small slice of orchestrator configuration the Plan Builder
// needs to name stacks deterministically.
type Config struct {
	StackPrefix  string
	Organization string
	ProjectName  string
}

// NormalizeStackPrefix lower-cases a prefix and replaces spaces with
// hyphens, mirroring the normalization the Pulumi-based config applied to
// stack_prefix.
func NormalizeStackPrefix(prefix string) string {
	return strings.ToLower(strings.ReplaceAll(prefix, " ", "-"))
}

// StackName computes the deterministic stack name for (permit, stage,
// config). Invariant #1: this function is the single source of truth a
// stored plan's stack_name is checked against.
func StackName(cfg Config, permitID string, stage domain.Stage) string {
	base := fmt.Sprintf("%s-%s-%s", cfg.StackPrefix, permitID, stage)
	if cfg.Organization != "" && cfg.ProjectName != "" {
		return fmt.Sprintf("%s/%s/%s", cfg.Organization, cfg.ProjectName, base)
	}
	return base
}

// Build constructs the WorkspacePlan for (event, stage). It is a pure
// function: given the same event and stage it always produces the same
// plan, modulo the caller-fixed generated secret (the engine supplies a
// deterministic secret source for tests).
func Build(cfg Config, event domain.PermitEvent, stage domain.Stage, secretFn func() string) (*domain.WorkspacePlan, error) {
	descriptor, ok := stageTable[stage]
	if !ok {
		return nil, fmt.Errorf("%w: unknown stage %q", apperr.ErrInvalidInput, stage)
	}

	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	workspacePayload := getMap(payload, "workspace")

	namespace := firstNonEmpty(getString(workspacePayload, "namespace"), fmt.Sprintf("permit-%s", event.PermitID))
	name := firstNonEmpty(getString(workspacePayload, "name"), fmt.Sprintf("%s-%s", event.PermitID, stage))

	user, err := resolveUser(event.PermitID, stage, descriptor.requiresUser, workspacePayload, payload)
	if err != nil {
		return nil, err
	}

	env := map[string]string{}
	for k, v := range descriptor.defaultEnv {
		env[k] = v
	}
	for k, v := range getStringMap(workspacePayload, "env") {
		env[k] = v
	}

	ports := getIntSlice(workspacePayload, "ports")
	if len(ports) == 0 {
		ports = []int{3389}
	}

	container := domain.WorkspaceContainer{
		Image:     firstNonEmpty(getString(workspacePayload, "image"), descriptor.image),
		Resources: getStringMap(workspacePayload, "resources"),
		Env:       env,
		Command:   getStringSlice(workspacePayload, "command"),
		Args:      getStringSlice(workspacePayload, "args"),
		Ports:     ports,
	}

	volumes := resolveVolumes(descriptor, payload, workspacePayload)

	replicas := getIntDefault(workspacePayload, "replicas", 1)
	annotations := getStringMap(workspacePayload, "annotations")

	spec := domain.WorkspaceSpec{
		Name:               name,
		Namespace:          namespace,
		Container:          container,
		User:               user,
		Volumes:            volumes,
		ServiceAccountName: getString(workspacePayload, "service_account"),
		Replicas:           replicas,
		Annotations:        annotations,
	}

	network := domain.NetworkSpec{Profile: descriptor.profile}
	switch stage {
	case domain.StageIngress:
		network.Ingress = resolveIngressRules(payload)
	case domain.StageSetup:
		if sel := getMap(payload, "proxy_selector"); sel != nil {
			network.ProxySelector = sel
		} else {
			network.ProxySelector = defaultProxySelector()
		}
	}

	plan := &domain.WorkspacePlan{
		SchemaVersion: domain.CurrentPlanSchemaVersion,
		StackName:     StackName(cfg, event.PermitID, stage),
		WorkspaceSpec: spec,
		Network:       network,
	}

	if stage == domain.StageIngress {
		secret := getStringMap(payload, "connection_secret")
		if secret == nil {
			secret = map[string]string{
				"username": firstNonEmpty(getString(payload, "service_user"), fmt.Sprintf("permit-%s", event.PermitID)),
				"password": firstNonEmpty(getString(payload, "service_password"), secretFn()),
			}
		}
		plan.ConnectionSecret = secret
	}

	if conn := buildConnectionInfo(stage, payload, spec, plan.ConnectionSecret); conn != nil {
		plan.ConnectionInfo = conn
	}

	return plan, nil
}

func buildConnectionInfo(stage domain.Stage, payload map[string]any, spec domain.WorkspaceSpec, secret map[string]string) *domain.ConnectionInfo {
	if c := getMap(payload, "connection"); c != nil {
		return &domain.ConnectionInfo{
			Protocol: getString(c, "protocol"),
			Host:     getString(c, "host"),
			Port:     getIntDefault(c, "port", 0),
			Username: getString(c, "username"),
			Password: getString(c, "password"),
		}
	}
	if stage == domain.StageIngress {
		return &domain.ConnectionInfo{
			Protocol: "sftp",
			Host:     fmt.Sprintf("%s.svc.cluster.local", spec.Name),
			Port:     22,
			Username: secret["username"],
			Password: secret["password"],
		}
	}
	port := 3389
	if len(spec.Container.Ports) > 0 {
		port = spec.Container.Ports[0]
	}
	return &domain.ConnectionInfo{
		Protocol: "rdp",
		Host:     fmt.Sprintf("%s.%s.svc.cluster.local", spec.Name, spec.Namespace),
		Port:     port,
		Username: spec.User.Username,
		Password: "managed-in-secret",
	}
}

func resolveUser(permitID string, stage domain.Stage, required bool, workspacePayload, payload map[string]any) (domain.WorkspaceUser, error) {
	candidate := getMap(workspacePayload, "user")
	if candidate == nil {
		candidate = getMap(payload, "assignedUser")
	}
	if candidate == nil {
		candidate = getMap(payload, "user")
	}

	username := getString(candidate, "username")
	uidRaw, hasUID := candidate["uid"]

	if required && (username == "" || !hasUID) {
		return domain.WorkspaceUser{}, fmt.Errorf("%w: stage %s requires a user with username and uid", apperr.ErrInvalidInput, stage)
	}

	if username == "" {
		username = fmt.Sprintf("user-%s", permitID)
	}

	uid := "2000"
	if hasUID {
		uid = toStringValue(uidRaw)
	}

	gid := uid
	if g, ok := candidate["gid"]; ok {
		gid = toStringValue(g)
	} else if !hasUID {
		gid = "2000"
	}

	return domain.WorkspaceUser{Username: username, UID: uid, GID: gid}, nil
}

func resolveVolumes(descriptor stageDescriptor, payload, workspacePayload map[string]any) []domain.VolumeSpec {
	if raw, ok := workspacePayload["volumes"].([]any); ok && len(raw) > 0 {
		volumes := make([]domain.VolumeSpec, 0, len(raw))
		for _, item := range raw {
			m, _ := item.(map[string]any)
			volumes = append(volumes, domain.VolumeSpec{
				Name:         getString(m, "name"),
				StorageClass: firstNonEmpty(getString(m, "storage_class"), defaultStorageClass),
				Size:         firstNonEmpty(getString(m, "size"), "10Gi"),
				AccessModes:  firstNonEmptySlice(getStringSlice(m, "access_modes"), []string{"ReadWriteOnce"}),
				ReadOnly:     getBool(m, "read_only"),
				MountPath:    getString(m, "mount_path"),
			})
		}
		return volumes
	}

	if descriptor.buildVolumes != nil {
		return descriptor.buildVolumes(payload)
	}

	volumes := make([]domain.VolumeSpec, 0, len(descriptor.volumeTemplates))
	for _, t := range descriptor.volumeTemplates {
		volumes = append(volumes, t.spec())
	}
	return volumes
}

// buildIngressVolumes implements the ingress volume rule: one uploads-{id}
// volume per data holder, or a single default "uploads" volume.
func buildIngressVolumes(payload map[string]any) []domain.VolumeSpec {
	holders, _ := payload["data_holders"].([]any)
	if len(holders) == 0 {
		size := firstNonEmpty(getString(payload, "uploads_volume_size"), "20Gi")
		return []domain.VolumeSpec{{
			Name:         "uploads",
			StorageClass: defaultStorageClass,
			Size:         size,
			AccessModes:  []string{"ReadWriteOnce"},
			ReadOnly:     false,
			MountPath:    "/uploads",
		}}
	}

	volumes := make([]domain.VolumeSpec, 0, len(holders))
	for _, h := range holders {
		holder, _ := h.(map[string]any)
		id := firstNonEmpty(getString(holder, "id"), "dh")
		volumes = append(volumes, domain.VolumeSpec{
			Name:         fmt.Sprintf("uploads-%s", id),
			StorageClass: firstNonEmpty(getString(holder, "storage_class"), defaultStorageClass),
			Size:         firstNonEmpty(getString(holder, "size"), "20Gi"),
			AccessModes:  []string{"ReadWriteOnce"},
			ReadOnly:     false,
			MountPath:    fmt.Sprintf("/uploads/%s", id),
		})
	}
	return volumes
}

// resolveIngressRules reads payload.allowed_ingress into CIDR rules; a
// holder without explicit ports defaults to port 22 (SFTP).
func resolveIngressRules(payload map[string]any) []domain.CIDRRule {
	raw, _ := payload["allowed_ingress"].([]any)
	if len(raw) == 0 {
		return nil
	}
	rules := make([]domain.CIDRRule, 0, len(raw))
	for _, r := range raw {
		m, _ := r.(map[string]any)
		cidr := firstNonEmpty(getString(m, "cidr"), "0.0.0.0/0")
		ports := getIntSlice(m, "ports")
		if len(ports) == 0 {
			ports = []int{22}
		}
		rules = append(rules, domain.CIDRRule{CIDR: cidr, Ports: ports})
	}
	return rules
}

// --- small schemaless-map accessors ---

func getMap(m map[string]any, key string) map[string]any {
	if m == nil {
		return nil
	}
	v, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	return v
}

func getString(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

func getBool(m map[string]any, key string) bool {
	if m == nil {
		return false
	}
	v, _ := m[key].(bool)
	return v
}

func getIntDefault(m map[string]any, key string, def int) int {
	if m == nil {
		return def
	}
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func getIntSlice(m map[string]any, key string) []int {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			out = append(out, int(n))
		case int:
			out = append(out, n)
		}
	}
	return out
}

func getStringSlice(m map[string]any, key string) []string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func getStringMap(m map[string]any, key string) map[string]string {
	if m == nil {
		return nil
	}
	raw, ok := m[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		out[k] = toStringValue(v)
	}
	return out
}

func toStringValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstNonEmptySlice(a, b []string) []string {
	if len(a) > 0 {
		return a
	}
	return b
}
