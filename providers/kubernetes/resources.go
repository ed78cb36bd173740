package kubernetes

import (
	"fmt"
	"strings"

	appsv1 "k8s.io/api/apps/v1"
	autoscalingv2 "k8s.io/api/autoscaling/v2"
	corev1 "k8s.io/api/core/v1"
	networkingv1 "k8s.io/api/networking/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/utils"
)

const (
	labelApp      = "app"
	labelWorkload = "stagehand.io/workload"

	annotationVersion         = "stagehand.io/version"
	annotationPreviousImage   = "stagehand.io/previous-image"
	annotationPreviousVersion = "stagehand.io/previous-version"
	annotationBatchCursor     = "stagehand.io/batch-cursor"
	annotationStableWeight    = "stagehand.io/weight-stable"
	annotationCanaryWeight    = "stagehand.io/weight-canary"

	canarySuffix = "-canary"
	greenSuffix  = "-green"
	blueTrack    = "blue"

	containerName = "app"

	// Scheduler defaults stamped when the config leaves requests unset.
	// The autoscaler needs requests to compute utilization against.
	defaultCPURequest    = "100m"
	defaultMemoryRequest = "128Mi"
)

// baseName strips the fleet suffix so green and canary fleets resolve
// to the workload they belong to.
func baseName(name string) string {
	name = strings.TrimSuffix(name, canarySuffix)
	return strings.TrimSuffix(name, greenSuffix)
}

// resourceLabels builds the label set stamped on every object of a
// fleet. The app label is unique per fleet; the workload label groups
// sibling fleets (stable, green, canary) of one deployment name.
func resourceLabels(config models.DeploymentConfig) map[string]string {
	labels := map[string]string{
		labelApp:      config.Name,
		labelWorkload: baseName(config.Name),
		"managed-by":  "stagehand",
	}
	for k, v := range config.Labels {
		labels[k] = v
	}
	return labels
}

func envVarsFromMap(envVars models.EnvVars) []corev1.EnvVar {
	if len(envVars) == 0 {
		return nil
	}

	result := make([]corev1.EnvVar, 0, len(envVars))
	for key, value := range envVars {
		result = append(result, corev1.EnvVar{
			Name:  key,
			Value: value,
		})
	}

	return result
}

// resourceRequirements maps the config quantities onto the container.
// Quantities were vetted during validation, so MustParse cannot panic
// here.
func resourceRequirements(config models.DeploymentConfig) corev1.ResourceRequirements {
	requests := corev1.ResourceList{
		corev1.ResourceCPU:    resource.MustParse(defaultCPURequest),
		corev1.ResourceMemory: resource.MustParse(defaultMemoryRequest),
	}
	if config.CPURequest != "" {
		requests[corev1.ResourceCPU] = resource.MustParse(config.CPURequest)
	}
	if config.MemoryRequest != "" {
		requests[corev1.ResourceMemory] = resource.MustParse(config.MemoryRequest)
	}

	requirements := corev1.ResourceRequirements{Requests: requests}

	limits := corev1.ResourceList{}
	if config.CPULimit != "" {
		limits[corev1.ResourceCPU] = resource.MustParse(config.CPULimit)
	}
	if config.MemoryLimit != "" {
		limits[corev1.ResourceMemory] = resource.MustParse(config.MemoryLimit)
	}
	if len(limits) > 0 {
		requirements.Limits = limits
	}

	return requirements
}

// containerProbes translates the health check spec into kubelet probes.
// Readiness gates traffic; liveness restarts wedged pods on a slower
// cadence.
func containerProbes(config models.DeploymentConfig) (readiness, liveness *corev1.Probe) {
	h := config.HealthCheck
	if h == nil {
		return nil, nil
	}

	port := h.Port
	if port == 0 {
		port = config.Port
	}
	handler := corev1.ProbeHandler{
		HTTPGet: &corev1.HTTPGetAction{
			Path:   h.Path,
			Port:   utils.IntToIntOrString(port),
			Scheme: corev1.URISchemeHTTP,
		},
	}

	readiness = &corev1.Probe{
		ProbeHandler:        handler,
		InitialDelaySeconds: 5,
		PeriodSeconds:       int32(h.IntervalSeconds),
		TimeoutSeconds:      int32(h.TimeoutSeconds),
		FailureThreshold:    int32(h.Retries),
	}
	liveness = &corev1.Probe{
		ProbeHandler:        handler,
		InitialDelaySeconds: 10,
		PeriodSeconds:       int32(h.IntervalSeconds * 3),
		TimeoutSeconds:      int32(h.TimeoutSeconds),
	}
	return readiness, liveness
}

// podStorage translates volume mounts. Sized volumes bind to a claim
// named after the workload; unsized ones are pod-local scratch space.
func podStorage(config models.DeploymentConfig) ([]corev1.Volume, []corev1.VolumeMount) {
	if len(config.Volumes) == 0 {
		return nil, nil
	}

	volumes := make([]corev1.Volume, 0, len(config.Volumes))
	mounts := make([]corev1.VolumeMount, 0, len(config.Volumes))
	for _, v := range config.Volumes {
		mounts = append(mounts, corev1.VolumeMount{
			Name:      v.Name,
			MountPath: v.MountPath,
		})

		if v.Size != "" {
			volumes = append(volumes, corev1.Volume{
				Name: v.Name,
				VolumeSource: corev1.VolumeSource{
					PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
						ClaimName: claimName(config.Name, v.Name),
					},
				},
			})
		} else {
			volumes = append(volumes, corev1.Volume{
				Name: v.Name,
				VolumeSource: corev1.VolumeSource{
					EmptyDir: &corev1.EmptyDirVolumeSource{},
				},
			})
		}
	}

	return volumes, mounts
}

func claimName(workload, volume string) string {
	return fmt.Sprintf("%s-%s", workload, volume)
}

func rolloutStrategy(config models.DeploymentConfig) appsv1.DeploymentStrategy {
	if config.Strategy == models.StrategyRecreate {
		return appsv1.DeploymentStrategy{Type: appsv1.RecreateDeploymentStrategyType}
	}

	surge := utils.IntToIntOrString(config.MaxSurge)
	unavailable := utils.IntToIntOrString(config.MaxUnavailable)
	return appsv1.DeploymentStrategy{
		Type: appsv1.RollingUpdateDeploymentStrategyType,
		RollingUpdate: &appsv1.RollingUpdateDeployment{
			MaxSurge:       &surge,
			MaxUnavailable: &unavailable,
		},
	}
}

// buildDeployment creates the Deployment object for one fleet.
func buildDeployment(config models.DeploymentConfig, artifact, namespace string) *appsv1.Deployment {
	replicas := int32(config.Replicas)
	if config.Autoscaling != nil && config.Autoscaling.Enabled {
		// The autoscaler owns sizing; start at its floor.
		replicas = int32(config.Autoscaling.MinReplicas)
	}

	labels := resourceLabels(config)
	readiness, liveness := containerProbes(config)
	volumes, mounts := podStorage(config)

	container := corev1.Container{
		Name:  containerName,
		Image: artifact,
		Ports: []corev1.ContainerPort{
			{
				ContainerPort: int32(config.Port),
				Protocol:      corev1.ProtocolTCP,
			},
		},
		Resources:      resourceRequirements(config),
		Env:            envVarsFromMap(config.EnvVars),
		ReadinessProbe: readiness,
		LivenessProbe:  liveness,
		VolumeMounts:   mounts,
	}

	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{
			Name:      config.Name,
			Namespace: namespace,
			Labels:    labels,
			Annotations: map[string]string{
				annotationVersion: config.Version,
			},
		},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Selector: &metav1.LabelSelector{
				MatchLabels: map[string]string{
					labelApp: config.Name,
				},
			},
			Strategy: rolloutStrategy(config),
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: labels,
				},
				Spec: corev1.PodSpec{
					Containers: []corev1.Container{container},
					Volumes:    volumes,
				},
			},
		},
	}
}

// buildService creates the ClusterIP service fronting one fleet.
func buildService(config models.DeploymentConfig, namespace string) *corev1.Service {
	return &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:      config.Name,
			Namespace: namespace,
			Labels:    resourceLabels(config),
		},
		Spec: corev1.ServiceSpec{
			Selector: map[string]string{
				labelApp: config.Name,
			},
			Ports: []corev1.ServicePort{
				{
					Name:       "http",
					Port:       int32(config.Port),
					TargetPort: utils.IntToIntOrString(config.Port),
					Protocol:   corev1.ProtocolTCP,
				},
			},
			Type: corev1.ServiceTypeClusterIP,
		},
	}
}

// buildIngress creates the public route for an exposed workload, or nil
// when the config names no hostname.
func buildIngress(config models.DeploymentConfig, namespace string) *networkingv1.Ingress {
	if config.Networking == nil {
		return nil
	}

	var hostnames []string
	if config.Networking.CustomDomain != "" {
		hostnames = append(hostnames, config.Networking.CustomDomain)
	}
	if config.Networking.Domain != "" {
		hostnames = append(hostnames, config.Networking.Domain)
	}
	if len(hostnames) == 0 {
		return nil
	}

	annotations := map[string]string{
		"traefik.ingress.kubernetes.io/router.entrypoints": "web",
	}
	if config.Networking.TLS {
		annotations["traefik.ingress.kubernetes.io/router.entrypoints"] = "websecure"
		annotations["traefik.ingress.kubernetes.io/router.tls"] = "true"
	}

	pathTypePrefix := networkingv1.PathTypePrefix
	ingress := &networkingv1.Ingress{
		ObjectMeta: metav1.ObjectMeta{
			Name:        config.Name,
			Namespace:   namespace,
			Labels:      resourceLabels(config),
			Annotations: annotations,
		},
		Spec: networkingv1.IngressSpec{
			Rules: []networkingv1.IngressRule{},
		},
	}
	if config.Networking.TLS {
		ingress.Spec.TLS = []networkingv1.IngressTLS{
			{Hosts: hostnames},
		}
	}

	for _, host := range hostnames {
		ingress.Spec.Rules = append(ingress.Spec.Rules, networkingv1.IngressRule{
			Host: host,
			IngressRuleValue: networkingv1.IngressRuleValue{
				HTTP: &networkingv1.HTTPIngressRuleValue{
					Paths: []networkingv1.HTTPIngressPath{
						{
							Path:     "/",
							PathType: &pathTypePrefix,
							Backend: networkingv1.IngressBackend{
								Service: &networkingv1.IngressServiceBackend{
									Name: config.Name,
									Port: networkingv1.ServiceBackendPort{
										Number: int32(config.Port),
									},
								},
							},
						},
					},
				},
			},
		})
	}

	return ingress
}

// buildHPA creates the autoscaler for a fleet. Callers only reach here
// when autoscaling is enabled.
func buildHPA(config models.DeploymentConfig, namespace string) *autoscalingv2.HorizontalPodAutoscaler {
	target := int32(config.Autoscaling.TargetCPUPercent)
	minReplicas := int32(config.Autoscaling.MinReplicas)

	return &autoscalingv2.HorizontalPodAutoscaler{
		ObjectMeta: metav1.ObjectMeta{
			Name:      config.Name,
			Namespace: namespace,
			Labels:    resourceLabels(config),
		},
		Spec: autoscalingv2.HorizontalPodAutoscalerSpec{
			ScaleTargetRef: autoscalingv2.CrossVersionObjectReference{
				Kind:       "Deployment",
				Name:       config.Name,
				APIVersion: "apps/v1",
			},
			MinReplicas: &minReplicas,
			MaxReplicas: int32(config.Autoscaling.MaxReplicas),
			Metrics: []autoscalingv2.MetricSpec{
				{
					Type: autoscalingv2.ResourceMetricSourceType,
					Resource: &autoscalingv2.ResourceMetricSource{
						Name: corev1.ResourceCPU,
						Target: autoscalingv2.MetricTarget{
							Type:               autoscalingv2.UtilizationMetricType,
							AverageUtilization: &target,
						},
					},
				},
			},
		},
	}
}

// buildPVC creates the persistent claim backing one sized volume.
func buildPVC(config models.DeploymentConfig, volume models.VolumeMount, namespace string) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      claimName(config.Name, volume.Name),
			Namespace: namespace,
			Labels:    resourceLabels(config),
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(volume.Size),
				},
			},
		},
	}
}

// serviceDNS is the in-cluster address of a fleet's service.
func serviceDNS(name, namespace string, port int) string {
	return fmt.Sprintf("http://%s.%s.svc.cluster.local:%d", name, namespace, port)
}

// endpointFor prefers the public hostname when the workload is exposed,
// falling back to the in-cluster service DNS name.
func endpointFor(config models.DeploymentConfig, namespace string) string {
	if n := config.Networking; n != nil {
		host := n.CustomDomain
		if host == "" {
			host = n.Domain
		}
		if host != "" {
			scheme := "http"
			if n.TLS {
				scheme = "https"
			}
			return fmt.Sprintf("%s://%s", scheme, host)
		}
	}
	return serviceDNS(config.Name, namespace, config.Port)
}
