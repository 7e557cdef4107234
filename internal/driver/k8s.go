package driver

import (
	"context"
	"fmt"

	"github.com/spe-platform/workspace-orchestrator/internal/apperr"
	"github.com/spe-platform/workspace-orchestrator/internal/domain"
	"github.com/spe-platform/workspace-orchestrator/internal/log"
	"github.com/spe-platform/workspace-orchestrator/internal/metrics"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/client-go/kubernetes"
)

// fieldManager tags every resource this driver writes, so repeated applies
// for the same (permit, stage) remain conflict-free and idempotent.
const fieldManager = "workspace-provisioning-orchestrator"

// KubernetesDriver renders a WorkspacePlan as a PVC set, an optional
// credentials Secret, a Deployment, and a NetworkPolicy, and reconciles
// them against a live API server. Resource shape mirrors the Pulumi
// programs the orchestrator's Python predecessor used to build the same
// stack.
type KubernetesDriver struct {
	clientset kubernetes.Interface
}

// NewKubernetesDriver wraps a configured clientset.
func NewKubernetesDriver(clientset kubernetes.Interface) *KubernetesDriver {
	return &KubernetesDriver{clientset: clientset}
}

func (d *KubernetesDriver) Disabled() bool { return false }

func (d *KubernetesDriver) Apply(ctx context.Context, plan *domain.WorkspacePlan) (map[string]string, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DriverApplyDuration, string(plan.Network.Profile))

	logger := log.WithComponent("driver.k8s")
	namespace := plan.WorkspaceSpec.Namespace
	name := plan.WorkspaceSpec.Name

	if err := d.ensureNamespace(ctx, namespace); err != nil {
		return nil, fmt.Errorf("failed to ensure namespace %s: %w", namespace, err)
	}

	for _, vol := range plan.WorkspaceSpec.Volumes {
		if err := d.applyPVC(ctx, namespace, name, vol); err != nil {
			return nil, fmt.Errorf("failed to apply pvc %s-%s: %w", name, vol.Name, err)
		}
	}

	var secretName string
	if len(plan.ConnectionSecret) > 0 {
		secretName = fmt.Sprintf("%s-connection", name)
		if err := d.applySecret(ctx, namespace, secretName, plan.ConnectionSecret); err != nil {
			return nil, fmt.Errorf("failed to apply secret %s: %w", secretName, err)
		}
	}

	if err := d.applyDeployment(ctx, namespace, name, plan.WorkspaceSpec, secretName); err != nil {
		return nil, fmt.Errorf("failed to apply deployment %s: %w", name, err)
	}

	if err := d.applyNetworkPolicy(ctx, namespace, name, plan.Network); err != nil {
		return nil, fmt.Errorf("failed to apply network policy for %s: %w", name, err)
	}

	logger.Info().Str("stack", plan.StackName).Str("namespace", namespace).Msg("stack applied")

	outputs := map[string]string{}
	if plan.ConnectionInfo != nil {
		outputs["connection"] = fmt.Sprintf("%s://%s@%s:%d", plan.ConnectionInfo.Protocol, plan.ConnectionInfo.Username, plan.ConnectionInfo.Host, plan.ConnectionInfo.Port)
	}
	return outputs, nil
}

func (d *KubernetesDriver) ensureNamespace(ctx context.Context, namespace string) error {
	_, err := d.clientset.CoreV1().Namespaces().Get(ctx, namespace, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return err
	}
	_, err = d.clientset.CoreV1().Namespaces().Create(ctx, &corev1.Namespace{
		ObjectMeta: metav1.ObjectMeta{Name: namespace},
	}, metav1.CreateOptions{FieldManager: fieldManager})
	if apierrors.IsAlreadyExists(err) {
		return nil
	}
	return err
}

func (d *KubernetesDriver) applyPVC(ctx context.Context, namespace, name string, vol domain.VolumeSpec) error {
	pvcName := fmt.Sprintf("%s-%s", name, vol.Name)
	client := d.clientset.CoreV1().PersistentVolumeClaims(namespace)

	size, err := resource.ParseQuantity(vol.Size)
	if err != nil {
		return fmt.Errorf("%w: invalid volume size %q: %v", apperr.ErrInvalidInput, vol.Size, err)
	}

	accessModes := make([]corev1.PersistentVolumeAccessMode, 0, len(vol.AccessModes))
	for _, m := range vol.AccessModes {
		accessModes = append(accessModes, corev1.PersistentVolumeAccessMode(m))
	}

	desired := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: pvcName, Namespace: namespace, Labels: map[string]string{"app": name}},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes:      accessModes,
			StorageClassName: &vol.StorageClass,
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: size,
				},
			},
		},
	}

	existing, err := client.Get(ctx, pvcName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, desired, metav1.CreateOptions{FieldManager: fieldManager})
		return err
	}
	if err != nil {
		return err
	}
	// PVC specs are mostly immutable post-creation; a PVC already exists
	// for this stack name and is left as-is, matching the Pulumi
	// behaviour of selecting rather than recreating existing resources.
	_ = existing
	return nil
}

func (d *KubernetesDriver) applySecret(ctx context.Context, namespace, name string, data map[string]string) error {
	client := d.clientset.CoreV1().Secrets(namespace)
	desired := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		StringData: data,
		Type:       corev1.SecretTypeOpaque,
	}
	_, err := client.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, desired, metav1.CreateOptions{FieldManager: fieldManager})
		return err
	}
	if err != nil {
		return err
	}
	_, err = client.Update(ctx, desired, metav1.UpdateOptions{FieldManager: fieldManager})
	return err
}

func (d *KubernetesDriver) applyDeployment(ctx context.Context, namespace, name string, spec domain.WorkspaceSpec, secretName string) error {
	client := d.clientset.AppsV1().Deployments(namespace)

	env := make([]corev1.EnvVar, 0, len(spec.Container.Env)+4)
	for k, v := range spec.Container.Env {
		env = append(env, corev1.EnvVar{Name: k, Value: v})
	}
	env = append(env,
		corev1.EnvVar{Name: "WORKSPACE_USER", Value: spec.User.Username},
		corev1.EnvVar{Name: "WORKSPACE_UID", Value: spec.User.UID},
		corev1.EnvVar{Name: "WORKSPACE_GID", Value: spec.User.GID},
	)
	if secretName != "" {
		env = append(env, corev1.EnvVar{Name: "WORKSPACE_SECRET_NAME", Value: secretName})
	}

	var volumeMounts []corev1.VolumeMount
	var volumes []corev1.Volume
	for _, vol := range spec.Volumes {
		volName := fmt.Sprintf("%s-volume", vol.Name)
		volumeMounts = append(volumeMounts, corev1.VolumeMount{
			Name:      volName,
			MountPath: vol.MountPath,
			ReadOnly:  vol.ReadOnly,
		})
		volumes = append(volumes, corev1.Volume{
			Name: volName,
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: fmt.Sprintf("%s-%s", name, vol.Name),
				},
			},
		})
	}

	var ports []corev1.ContainerPort
	for _, p := range spec.Container.Ports {
		ports = append(ports, corev1.ContainerPort{ContainerPort: int32(p), Name: fmt.Sprintf("port-%d", p)})
	}

	replicas := int32(spec.Replicas)
	labels := map[string]string{"app": name}
	desired := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace, Annotations: spec.Annotations},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{MatchLabels: labels},
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: labels, Annotations: spec.Annotations},
				Spec: corev1.PodSpec{
					ServiceAccountName: spec.ServiceAccountName,
					Containers: []corev1.Container{
						{
							Name:         name,
							Image:        spec.Container.Image,
							Env:          env,
							Ports:        ports,
							VolumeMounts: volumeMounts,
							Command:      spec.Container.Command,
							Args:         spec.Container.Args,
						},
					},
					Volumes: volumes,
				},
			},
		},
	}

	_, err := client.Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, desired, metav1.CreateOptions{FieldManager: fieldManager})
		return err
	}
	if err != nil {
		return err
	}
	_, err = client.Update(ctx, desired, metav1.UpdateOptions{FieldManager: fieldManager})
	return err
}

func (d *KubernetesDriver) applyNetworkPolicy(ctx context.Context, namespace, name string, net domain.NetworkSpec) error {
	client := d.clientset.NetworkingV1().NetworkPolicies(namespace)
	rendered := renderPolicy(net)

	policyTypes := []networkingv1.PolicyType{networkingv1.PolicyTypeIngress, networkingv1.PolicyTypeEgress}
	var ingressRules []networkingv1.NetworkPolicyIngressRule
	var egressRules []networkingv1.NetworkPolicyEgressRule

	switch {
	case rendered.DenyAll:
		// no rules at all: deny all ingress and egress
	case rendered.AllowPodLabel != "":
		ingressRules = []networkingv1.NetworkPolicyIngressRule{{
			From: []networkingv1.NetworkPolicyPeer{{
				PodSelector: &metav1.LabelSelector{MatchLabels: map[string]string{"role": rendered.AllowPodLabel}},
			}},
		}}
	case rendered.ProxySelector != nil:
		egressRules = []networkingv1.NetworkPolicyEgressRule{{
			To: []networkingv1.NetworkPolicyPeer{{
				NamespaceSelector: selectorFromMap(rendered.ProxySelector["namespaceSelector"]),
				PodSelector:       selectorFromMap(rendered.ProxySelector["podSelector"]),
			}},
		}}
	default:
		for _, rule := range rendered.Ingress {
			ingressRules = append(ingressRules, networkingv1.NetworkPolicyIngressRule{
				From:  []networkingv1.NetworkPolicyPeer{{IPBlock: &networkingv1.IPBlock{CIDR: rule.CIDR}}},
				Ports: portsToPolicyPorts(rule.Ports),
			})
		}
		for _, rule := range rendered.Egress {
			egressRules = append(egressRules, networkingv1.NetworkPolicyEgressRule{
				To:    []networkingv1.NetworkPolicyPeer{{IPBlock: &networkingv1.IPBlock{CIDR: rule.CIDR}}},
				Ports: portsToPolicyPorts(rule.Ports),
			})
		}
	}

	desired := &networkingv1.NetworkPolicy{
		ObjectMeta: metav1.ObjectMeta{Name: fmt.Sprintf("%s-np", name), Namespace: namespace},
		Spec: networkingv1.NetworkPolicySpec{
			PodSelector: metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
			PolicyTypes: policyTypes,
			Ingress:     ingressRules,
			Egress:      egressRules,
		},
	}

	_, err := client.Get(ctx, desired.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		_, err = client.Create(ctx, desired, metav1.CreateOptions{FieldManager: fieldManager})
		return err
	}
	if err != nil {
		return err
	}
	_, err = client.Update(ctx, desired, metav1.UpdateOptions{FieldManager: fieldManager})
	return err
}

func selectorFromMap(v any) *metav1.LabelSelector {
	m, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	labels, ok := m["matchLabels"].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(labels))
	for k, val := range labels {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return &metav1.LabelSelector{MatchLabels: out}
}

func portsToPolicyPorts(ports []int) []networkingv1.NetworkPolicyPort {
	tcp := corev1.ProtocolTCP
	out := make([]networkingv1.NetworkPolicyPort, 0, len(ports))
	for _, p := range ports {
		port := intstr.FromInt(p)
		out = append(out, networkingv1.NetworkPolicyPort{Protocol: &tcp, Port: &port})
	}
	return out
}

func (d *KubernetesDriver) Destroy(ctx context.Context, namespace, name string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.DriverDestroyDuration, "destroy")

	logger := log.WithComponent("driver.k8s")

	_, err := d.clientset.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		logger.Info().Str("namespace", namespace).Str("name", name).Msg("stack not found, nothing to destroy")
		return ErrStackNotFound
	}

	propagation := metav1.DeletePropagationForeground
	deleteOpts := metav1.DeleteOptions{PropagationPolicy: &propagation}

	if err := d.clientset.AppsV1().Deployments(namespace).Delete(ctx, name, deleteOpts); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	if err := d.clientset.NetworkingV1().NetworkPolicies(namespace).Delete(ctx, fmt.Sprintf("%s-np", name), deleteOpts); err != nil && !apierrors.IsNotFound(err) {
		return err
	}
	if err := d.clientset.CoreV1().Secrets(namespace).Delete(ctx, fmt.Sprintf("%s-connection", name), deleteOpts); err != nil && !apierrors.IsNotFound(err) {
		return err
	}

	pvcs, err := d.clientset.CoreV1().PersistentVolumeClaims(namespace).List(ctx, metav1.ListOptions{LabelSelector: fmt.Sprintf("app=%s", name)})
	if err == nil {
		for _, pvc := range pvcs.Items {
			_ = d.clientset.CoreV1().PersistentVolumeClaims(namespace).Delete(ctx, pvc.Name, deleteOpts)
		}
	}

	logger.Info().Str("namespace", namespace).Str("name", name).Msg("stack destroyed")
	return nil
}
