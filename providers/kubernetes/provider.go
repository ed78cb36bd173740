package kubernetes

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	k8s "github.com/stagehand/stagehand/lib/kubernetes"
	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
	"github.com/stagehand/stagehand/utils"
)

// Provider drives rollouts on a Kubernetes cluster through client-go.
// One Provider serves one cluster; its namespace is where unqualified
// configs land.
//
// Validation hands the provider each config before any fleet operation
// runs, so name-only calls can recover the namespace and shape of the
// workload they address. Workloads deployed before a process restart
// fall back to the provider namespace.
type Provider struct {
	client    *k8s.Client
	namespace string

	mu       sync.Mutex
	nsByName map[string]string
	configs  map[string]models.DeploymentConfig
}

var _ providers.Provider = (*Provider)(nil)

// New wires a Provider over an existing client.
func New(client *k8s.Client, namespace string) *Provider {
	if namespace == "" {
		namespace = "default"
	}
	return &Provider{
		client:    client,
		namespace: namespace,
		nsByName:  make(map[string]string),
		configs:   make(map[string]models.DeploymentConfig),
	}
}

// NewFromEnv builds the provider for the cluster kubectl proxy points
// at, placing unqualified workloads in STAGEHAND_NAMESPACE.
func NewFromEnv() (*Provider, error) {
	client, err := k8s.NewClient()
	if err != nil {
		return nil, err
	}
	return New(client, os.Getenv("STAGEHAND_NAMESPACE")), nil
}

func (p *Provider) namespaceFor(config models.DeploymentConfig) string {
	if config.Namespace != "" {
		return config.Namespace
	}
	return p.namespace
}

// resolveNamespace finds where a workload was placed. Green and canary
// fleets live beside their base workload.
func (p *Provider) resolveNamespace(name string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ns, ok := p.nsByName[name]; ok {
		return ns
	}
	if ns, ok := p.nsByName[baseName(name)]; ok {
		return ns
	}
	return p.namespace
}

func (p *Provider) remember(name, namespace string, config models.DeploymentConfig) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nsByName[name] = namespace
	p.configs[name] = config
}

func (p *Provider) rememberedConfig(name string) (models.DeploymentConfig, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	config, ok := p.configs[name]
	if !ok {
		config, ok = p.configs[baseName(name)]
	}
	return config, ok
}

func (p *Provider) forget(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.nsByName, name)
	delete(p.configs, name)
}

// ValidateConfig applies cluster rules the engine cannot know: names
// must be DNS labels and resource quantities must parse. The config is
// remembered afterwards so later name-only calls can act on it.
func (p *Provider) ValidateConfig(config models.DeploymentConfig) error {
	if !models.IsValidName(config.Name) {
		return fmt.Errorf("%w: name %q is not a valid DNS label", models.ErrInvalidConfig, config.Name)
	}
	if config.Namespace != "" && !models.IsValidName(config.Namespace) {
		return fmt.Errorf("%w: namespace %q is not a valid DNS label", models.ErrInvalidConfig, config.Namespace)
	}

	quantities := []struct {
		field string
		value string
	}{
		{"cpuRequest", config.CPURequest},
		{"cpuLimit", config.CPULimit},
		{"memoryRequest", config.MemoryRequest},
		{"memoryLimit", config.MemoryLimit},
	}
	for _, q := range quantities {
		if q.value == "" {
			continue
		}
		if _, err := resource.ParseQuantity(q.value); err != nil {
			return fmt.Errorf("%w: %s %q: %v", models.ErrInvalidConfig, q.field, q.value, err)
		}
	}
	for _, v := range config.Volumes {
		if v.Size == "" {
			continue
		}
		if _, err := resource.ParseQuantity(v.Size); err != nil {
			return fmt.Errorf("%w: volume %s size %q: %v", models.ErrInvalidConfig, v.Name, v.Size, err)
		}
	}

	p.remember(config.Name, p.namespaceFor(config), config)
	return nil
}

// Deploy materializes the fleet: claims, deployment, service, and the
// optional ingress and autoscaler. Re-deploying the same name converges
// the cluster on the new config.
func (p *Provider) Deploy(ctx context.Context, config models.DeploymentConfig, artifact string) (*providers.DeployResult, error) {
	ns := p.namespaceFor(config)
	if err := p.client.EnsureNamespace(ctx, ns); err != nil {
		return nil, err
	}

	// Claims first so pods can bind at start.
	for _, vol := range config.Volumes {
		if vol.Size == "" {
			continue
		}
		if err := p.applyPVC(ctx, buildPVC(config, vol, ns)); err != nil {
			return nil, fmt.Errorf("failed to provision volume %s: %w", vol.Name, err)
		}
	}

	if err := p.applyDeployment(ctx, buildDeployment(config, artifact, ns)); err != nil {
		return nil, err
	}

	if err := p.applyService(ctx, buildService(config, ns)); err != nil {
		// A fleet nobody can reach is worse than no fleet.
		_ = p.client.Clientset.AppsV1().Deployments(ns).Delete(ctx, config.Name, metav1.DeleteOptions{})
		return nil, err
	}

	if ingress := buildIngress(config, ns); ingress != nil {
		if err := p.applyIngress(ctx, ingress); err != nil {
			_ = p.client.Clientset.CoreV1().Services(ns).Delete(ctx, config.Name, metav1.DeleteOptions{})
			_ = p.client.Clientset.AppsV1().Deployments(ns).Delete(ctx, config.Name, metav1.DeleteOptions{})
			return nil, err
		}
	}

	if config.Autoscaling != nil && config.Autoscaling.Enabled {
		if err := p.applyHPA(ctx, buildHPA(config, ns)); err != nil {
			log.Printf("⚠️ Autoscaler for %s not applied: %v", config.Name, err)
		}
	} else {
		// A leftover autoscaler would fight manual scaling.
		err := p.client.Clientset.AutoscalingV2().HorizontalPodAutoscalers(ns).Delete(ctx, config.Name, metav1.DeleteOptions{})
		if err != nil && !apierrors.IsNotFound(err) {
			log.Printf("⚠️ Stale autoscaler for %s not removed: %v", config.Name, err)
		}
	}

	p.remember(config.Name, ns, config)
	log.Printf("🚀 Fleet %s deployed to namespace %s", config.Name, ns)

	return &providers.DeployResult{
		Endpoint: endpointFor(config, ns),
		Metadata: map[string]string{
			"namespace": ns,
			"image":     artifact,
		},
	}, nil
}

// DestroyDeployment removes the fleet and its exposure. Claims stay:
// storage outlives the fleet on purpose.
func (p *Provider) DestroyDeployment(ctx context.Context, name string) error {
	ns := p.resolveNamespace(name)
	var errs []string

	// Autoscaler first so nothing resizes a dying fleet.
	err := p.client.Clientset.AutoscalingV2().HorizontalPodAutoscalers(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, fmt.Sprintf("autoscaler: %v", err))
	}
	err = p.client.Clientset.NetworkingV1().Ingresses(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, fmt.Sprintf("ingress: %v", err))
	}
	err = p.client.Clientset.CoreV1().Services(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, fmt.Sprintf("service: %v", err))
	}
	err = p.client.Clientset.AppsV1().Deployments(ns).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		errs = append(errs, fmt.Sprintf("deployment: %v", err))
	}

	p.forget(name)

	if len(errs) > 0 {
		return fmt.Errorf("destroy %s incomplete: %s", name, strings.Join(errs, "; "))
	}
	return nil
}

// GetDeploymentInfo returns the operator view of one fleet.
func (p *Provider) GetDeploymentInfo(ctx context.Context, name string) (map[string]interface{}, error) {
	ns := p.resolveNamespace(name)
	deployment, err := p.client.Clientset.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, fmt.Errorf("%w: workload %s", models.ErrNotFound, name)
		}
		return nil, fmt.Errorf("failed to read deployment %s: %w", name, err)
	}

	info := map[string]interface{}{
		"name":              name,
		"namespace":         ns,
		"image":             containerImage(deployment),
		"replicas":          int(deployment.Status.Replicas),
		"readyReplicas":     int(deployment.Status.ReadyReplicas),
		"updatedReplicas":   int(deployment.Status.UpdatedReplicas),
		"availableReplicas": int(deployment.Status.AvailableReplicas),
	}
	if v := deployment.Annotations[annotationVersion]; v != "" {
		info["version"] = v
	}
	if config, ok := p.rememberedConfig(name); ok {
		if name == config.Name {
			info["endpoint"] = endpointFor(config, ns)
		} else {
			info["endpoint"] = serviceDNS(name, ns, config.Port)
		}
	}

	return info, nil
}

// Scale resizes the fleet without touching its version.
func (p *Provider) Scale(ctx context.Context, name string, replicas int) error {
	ns := p.resolveNamespace(name)
	deployments := p.client.Clientset.AppsV1().Deployments(ns)

	deployment, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: workload %s", models.ErrNotFound, name)
		}
		return fmt.Errorf("failed to read deployment %s: %w", name, err)
	}

	target := int32(replicas)
	deployment.Spec.Replicas = &target
	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to scale %s: %w", name, err)
	}

	log.Printf("📊 Scaled %s to %d replicas", name, replicas)
	return nil
}

// CheckResources reports whether the cluster can absorb the fleet at
// its rollout peak. Demand follows the configured requests measured
// against allocatable capacity minus live usage; clusters without
// metrics-server are taken at allocatable value.
func (p *Provider) CheckResources(ctx context.Context, config models.DeploymentConfig) (bool, error) {
	nodes, err := p.client.Clientset.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("failed to list nodes: %w", err)
	}
	if len(nodes.Items) == 0 {
		return false, nil
	}

	cpuNeed, memNeed := fleetFootprint(config)

	var cpuFree, memFree int64
	for _, node := range nodes.Items {
		cpu := node.Status.Allocatable.Cpu().MilliValue()
		mem := node.Status.Allocatable.Memory().Value()

		if p.client.MetricsClient != nil {
			metrics, err := p.client.MetricsClient.MetricsV1beta1().NodeMetricses().Get(ctx, node.Name, metav1.GetOptions{})
			if err == nil && metrics != nil {
				cpu -= metrics.Usage.Cpu().MilliValue()
				mem -= metrics.Usage.Memory().Value()
			}
		}

		if cpu > 0 {
			cpuFree += cpu
		}
		if mem > 0 {
			memFree += mem
		}
	}

	if cpuFree < cpuNeed || memFree < memNeed {
		log.Printf("⚠️ Cluster short on capacity for %s: need %s CPU / %s memory, free %s / %s",
			config.Name,
			utils.FormatCPUCores(cpuNeed), utils.FormatBytes(memNeed),
			utils.FormatCPUCores(cpuFree), utils.FormatBytes(memFree))
		return false, nil
	}
	return true, nil
}

// fleetFootprint sizes the rollout peak: rolling updates surge past
// steady state, blue-green doubles the fleet, canary adds its sampling
// fleet.
func fleetFootprint(config models.DeploymentConfig) (cpuMilli, memBytes int64) {
	cpu := resource.MustParse(defaultCPURequest)
	if config.CPURequest != "" {
		cpu = resource.MustParse(config.CPURequest)
	}
	mem := resource.MustParse(defaultMemoryRequest)
	if config.MemoryRequest != "" {
		mem = resource.MustParse(config.MemoryRequest)
	}

	peak := config.Replicas + config.MaxSurge
	switch config.Strategy {
	case models.StrategyBlueGreen:
		peak = config.Replicas * 2
	case models.StrategyCanary:
		extra := config.Replicas * config.CanaryPercentage / 100
		if extra < 1 {
			extra = 1
		}
		peak = config.Replicas + extra
	case models.StrategyRecreate:
		peak = config.Replicas
	}

	n := int64(peak)
	return cpu.MilliValue() * n, mem.Value() * n
}

func containerImage(deployment *appsv1.Deployment) string {
	containers := deployment.Spec.Template.Spec.Containers
	for _, c := range containers {
		if c.Name == containerName {
			return c.Image
		}
	}
	if len(containers) > 0 {
		return containers[0].Image
	}
	return ""
}

func (p *Provider) applyDeployment(ctx context.Context, deployment *appsv1.Deployment) error {
	deployments := p.client.Clientset.AppsV1().Deployments(deployment.Namespace)

	existing, err := deployments.Get(ctx, deployment.Name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to read deployment %s: %w", deployment.Name, err)
		}
		if _, err := deployments.Create(ctx, deployment, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create deployment %s: %w", deployment.Name, err)
		}
		return nil
	}

	// Keep a breadcrumb of what this rollout replaces.
	if old := containerImage(existing); old != "" && old != containerImage(deployment) {
		deployment.Annotations[annotationPreviousImage] = old
		deployment.Annotations[annotationPreviousVersion] = existing.Annotations[annotationVersion]
	} else {
		if v, ok := existing.Annotations[annotationPreviousImage]; ok {
			deployment.Annotations[annotationPreviousImage] = v
		}
		if v, ok := existing.Annotations[annotationPreviousVersion]; ok {
			deployment.Annotations[annotationPreviousVersion] = v
		}
	}

	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update deployment %s: %w", deployment.Name, err)
	}
	return nil
}

func (p *Provider) applyService(ctx context.Context, service *corev1.Service) error {
	services := p.client.Clientset.CoreV1().Services(service.Namespace)

	existing, err := services.Get(ctx, service.Name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to read service %s: %w", service.Name, err)
		}
		if _, err := services.Create(ctx, service, metav1.CreateOptions{}); err != nil && !apierrors.IsAlreadyExists(err) {
			return fmt.Errorf("failed to create service %s: %w", service.Name, err)
		}
		return nil
	}

	// ClusterIP is immutable; carry it into the replacement.
	service.Spec.ClusterIP = existing.Spec.ClusterIP
	service.Spec.ClusterIPs = existing.Spec.ClusterIPs
	service.ResourceVersion = existing.ResourceVersion
	if _, err := services.Update(ctx, service, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update service %s: %w", service.Name, err)
	}
	return nil
}

func (p *Provider) applyIngress(ctx context.Context, ingress *networkingv1.Ingress) error {
	ingresses := p.client.Clientset.NetworkingV1().Ingresses(ingress.Namespace)

	_, err := ingresses.Create(ctx, ingress, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create ingress %s: %w", ingress.Name, err)
	}
	if _, err := ingresses.Update(ctx, ingress, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update ingress %s: %w", ingress.Name, err)
	}
	return nil
}

func (p *Provider) applyHPA(ctx context.Context, hpa *autoscalingv2.HorizontalPodAutoscaler) error {
	autoscalers := p.client.Clientset.AutoscalingV2().HorizontalPodAutoscalers(hpa.Namespace)

	_, err := autoscalers.Create(ctx, hpa, metav1.CreateOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("failed to create autoscaler %s: %w", hpa.Name, err)
	}
	if _, err := autoscalers.Update(ctx, hpa, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update autoscaler %s: %w", hpa.Name, err)
	}
	return nil
}

// applyPVC creates the claim, expanding an existing one when the config
// asks for more space. Shrinking is not supported by the API and is
// silently left alone.
func (p *Provider) applyPVC(ctx context.Context, pvc *corev1.PersistentVolumeClaim) error {
	claims := p.client.Clientset.CoreV1().PersistentVolumeClaims(pvc.Namespace)

	_, err := claims.Create(ctx, pvc, metav1.CreateOptions{})
	if err == nil || !apierrors.IsAlreadyExists(err) {
		if err != nil {
			return fmt.Errorf("failed to create claim %s: %w", pvc.Name, err)
		}
		return nil
	}

	existing, err := claims.Get(ctx, pvc.Name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("failed to read claim %s: %w", pvc.Name, err)
	}

	requested := pvc.Spec.Resources.Requests[corev1.ResourceStorage]
	current := existing.Spec.Resources.Requests[corev1.ResourceStorage]
	if requested.Cmp(current) > 0 {
		log.Printf("📊 Expanding claim %s from %s to %s", pvc.Name, current.String(), requested.String())
		existing.Spec.Resources.Requests[corev1.ResourceStorage] = requested
		if _, err := claims.Update(ctx, existing, metav1.UpdateOptions{}); err != nil {
			return fmt.Errorf("failed to expand claim %s: %w", pvc.Name, err)
		}
	}
	return nil
}
