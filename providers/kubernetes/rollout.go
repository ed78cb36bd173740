package kubernetes

import (
	"context"
	"fmt"
	"log"
	"strconv"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/stagehand/stagehand/models"
	"github.com/stagehand/stagehand/providers"
)

// UpdateReplicas moves the [start, end) slice of the fleet to the given
// artifact. Kubernetes has no per-index pod addressing, so the batch
// cursor maps onto the native rolling machinery: the first call swaps
// the pod template, later calls advance an annotation while the
// controller surges under maxSurge. Progress is read back through
// GetReadyReplicas, which only counts updated pods.
func (p *Provider) UpdateReplicas(ctx context.Context, name, artifact string, start, end int) error {
	ns := p.resolveNamespace(name)
	deployments := p.client.Clientset.AppsV1().Deployments(ns)

	deployment, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to read deployment %s: %w", name, err)
		}
		// First rollout of this workload: materialize the fleet at full
		// size and let readiness gating pace the batches.
		config, ok := p.rememberedConfig(name)
		if !ok {
			return fmt.Errorf("%w: workload %s has no deployed fleet", models.ErrNotFound, name)
		}
		config.Name = name
		if _, err := p.Deploy(ctx, config, artifact); err != nil {
			return err
		}
		deployment, err = deployments.Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return fmt.Errorf("failed to read deployment %s: %w", name, err)
		}
	}

	if deployment.Annotations == nil {
		deployment.Annotations = map[string]string{}
	}
	for i := range deployment.Spec.Template.Spec.Containers {
		container := &deployment.Spec.Template.Spec.Containers[i]
		if container.Name != containerName {
			continue
		}
		if container.Image != artifact {
			deployment.Annotations[annotationPreviousImage] = container.Image
			deployment.Annotations[annotationPreviousVersion] = deployment.Annotations[annotationVersion]
			container.Image = artifact
		}
	}
	deployment.Annotations[annotationBatchCursor] = strconv.Itoa(end)

	if deployment.Spec.Replicas == nil || int(*deployment.Spec.Replicas) < end {
		replicas := int32(end)
		deployment.Spec.Replicas = &replicas
	}

	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update replicas [%d,%d) of %s: %w", start, end, name, err)
	}
	return nil
}

// GetReadyReplicas reports ready pods of the current template only.
// Ready pods still draining from the old template must not count toward
// the new fleet.
func (p *Provider) GetReadyReplicas(ctx context.Context, name string) (int, error) {
	ns := p.resolveNamespace(name)
	deployment, err := p.client.Clientset.AppsV1().Deployments(ns).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read deployment %s: %w", name, err)
	}

	ready := int(deployment.Status.ReadyReplicas)
	if updated := int(deployment.Status.UpdatedReplicas); updated < ready {
		return updated, nil
	}
	return ready, nil
}

// GetReplicaEndpoints lists the address of every running pod in the
// fleet for direct probing, bypassing the service.
func (p *Provider) GetReplicaEndpoints(ctx context.Context, name string) ([]string, error) {
	ns := p.resolveNamespace(name)
	pods, err := p.client.Clientset.CoreV1().Pods(ns).List(ctx, metav1.ListOptions{
		LabelSelector: fmt.Sprintf("%s=%s", labelApp, name),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list pods for %s: %w", name, err)
	}

	port := 0
	if config, ok := p.rememberedConfig(name); ok {
		port = config.Port
	}

	endpoints := make([]string, 0, len(pods.Items))
	for _, pod := range pods.Items {
		if pod.Status.Phase != corev1.PodRunning || pod.Status.PodIP == "" {
			continue
		}
		if port > 0 {
			endpoints = append(endpoints, fmt.Sprintf("http://%s:%d", pod.Status.PodIP, port))
		} else {
			endpoints = append(endpoints, "http://"+pod.Status.PodIP)
		}
	}
	return endpoints, nil
}

// patchStableService mutates the service fronting the base workload,
// creating it from the remembered config when a first deploy has not
// made one yet.
func (p *Provider) patchStableService(ctx context.Context, name string, mutate func(*corev1.Service)) error {
	ns := p.resolveNamespace(name)
	services := p.client.Clientset.CoreV1().Services(ns)

	service, err := services.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to read service %s: %w", name, err)
		}
		config, ok := p.rememberedConfig(name)
		if !ok {
			return fmt.Errorf("%w: service %s", models.ErrNotFound, name)
		}
		config.Name = name
		service = buildService(config, ns)
		mutate(service)
		if _, err := services.Create(ctx, service, metav1.CreateOptions{}); err != nil {
			return fmt.Errorf("failed to create service %s: %w", name, err)
		}
		return nil
	}

	mutate(service)
	if _, err := services.Update(ctx, service, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to update service %s: %w", name, err)
	}
	return nil
}

// SwitchTraffic points the stable service of name at a track: "blue"
// selects the original fleet, anything else the "<name>-<track>" fleet.
// The flip is a selector change, so it lands atomically.
func (p *Provider) SwitchTraffic(ctx context.Context, name, target string) error {
	selector := name
	if target != blueTrack {
		selector = name + "-" + target
	}

	err := p.patchStableService(ctx, name, func(service *corev1.Service) {
		service.Spec.Selector = map[string]string{labelApp: selector}
	})
	if err != nil {
		return err
	}

	log.Printf("✅ Traffic for %s now served by %s", name, selector)
	return nil
}

// ConfigureTrafficSplit spreads the stable service over both fleets by
// widening its selector to the shared workload label. Without a mesh
// the live ratio follows pod counts; the requested weights are recorded
// on the service for inspection.
func (p *Provider) ConfigureTrafficSplit(ctx context.Context, name string, weights providers.TrafficWeights) error {
	return p.patchStableService(ctx, name, func(service *corev1.Service) {
		service.Spec.Selector = map[string]string{labelWorkload: baseName(name)}
		if service.Annotations == nil {
			service.Annotations = map[string]string{}
		}
		service.Annotations[annotationStableWeight] = strconv.Itoa(weights.Stable)
		service.Annotations[annotationCanaryWeight] = strconv.Itoa(weights.Canary)
	})
}

func (p *Provider) restoreStableSelector(ctx context.Context, name string) error {
	return p.patchStableService(ctx, name, func(service *corev1.Service) {
		service.Spec.Selector = map[string]string{labelApp: name}
		delete(service.Annotations, annotationStableWeight)
		delete(service.Annotations, annotationCanaryWeight)
	})
}

func (p *Provider) deleteCanaryFleet(ctx context.Context, name string) error {
	ns := p.resolveNamespace(name)
	canaryName := name + canarySuffix

	err := p.client.Clientset.AppsV1().Deployments(ns).Delete(ctx, canaryName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete canary fleet %s: %w", canaryName, err)
	}
	err = p.client.Clientset.CoreV1().Services(ns).Delete(ctx, canaryName, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("failed to delete canary service %s: %w", canaryName, err)
	}

	p.forget(canaryName)
	return nil
}

// PromoteCanary folds the canary image into the stable fleet, returns
// traffic to the stable selector, and retires the canary.
func (p *Provider) PromoteCanary(ctx context.Context, name string) error {
	ns := p.resolveNamespace(name)
	deployments := p.client.Clientset.AppsV1().Deployments(ns)
	canaryName := name + canarySuffix

	canary, err := deployments.Get(ctx, canaryName, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: no canary fleet for %s", models.ErrNotFound, name)
		}
		return fmt.Errorf("failed to read canary fleet %s: %w", canaryName, err)
	}

	stable, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: workload %s", models.ErrNotFound, name)
		}
		return fmt.Errorf("failed to read deployment %s: %w", name, err)
	}

	image := containerImage(canary)
	if stable.Annotations == nil {
		stable.Annotations = map[string]string{}
	}
	for i := range stable.Spec.Template.Spec.Containers {
		container := &stable.Spec.Template.Spec.Containers[i]
		if container.Name != containerName {
			continue
		}
		if container.Image != image {
			stable.Annotations[annotationPreviousImage] = container.Image
			stable.Annotations[annotationPreviousVersion] = stable.Annotations[annotationVersion]
			container.Image = image
		}
	}
	if v := canary.Annotations[annotationVersion]; v != "" {
		stable.Annotations[annotationVersion] = v
	}

	if _, err := deployments.Update(ctx, stable, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("failed to promote canary of %s: %w", name, err)
	}

	if err := p.restoreStableSelector(ctx, name); err != nil {
		return err
	}
	if err := p.deleteCanaryFleet(ctx, name); err != nil {
		return err
	}

	log.Printf("✅ Canary of %s promoted to stable", name)
	return nil
}

// RollbackCanary puts every request back on the stable fleet and tears
// the canary down.
func (p *Provider) RollbackCanary(ctx context.Context, name string) error {
	if err := p.restoreStableSelector(ctx, name); err != nil {
		return err
	}
	if err := p.deleteCanaryFleet(ctx, name); err != nil {
		return err
	}

	log.Printf("✅ Canary of %s rolled back, traffic restored to stable", name)
	return nil
}

// Rollback reverts name to previousVersion. A "<name>-blue" reference
// flips traffic back to the blue fleet; a version string restores the
// image recorded before the last rollout.
func (p *Provider) Rollback(ctx context.Context, name, previousVersion string) error {
	if previousVersion == name+"-"+blueTrack {
		return p.SwitchTraffic(ctx, name, blueTrack)
	}

	ns := p.resolveNamespace(name)
	deployments := p.client.Clientset.AppsV1().Deployments(ns)

	deployment, err := deployments.Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: workload %s not found", models.ErrRollbackFailed, name)
		}
		return fmt.Errorf("failed to read deployment %s: %w", name, err)
	}

	previous := deployment.Annotations[annotationPreviousImage]
	if previous == "" {
		return fmt.Errorf("%w: no previous image recorded for %s", models.ErrRollbackFailed, name)
	}
	if recorded := deployment.Annotations[annotationPreviousVersion]; recorded != "" && recorded != previousVersion {
		log.Printf("⚠️ Recorded previous version %s of %s differs from requested %s", recorded, name, previousVersion)
	}

	current := containerImage(deployment)
	for i := range deployment.Spec.Template.Spec.Containers {
		container := &deployment.Spec.Template.Spec.Containers[i]
		if container.Name == containerName {
			container.Image = previous
		}
	}
	// Swap the breadcrumbs so a roll-forward stays possible.
	deployment.Annotations[annotationPreviousImage] = current
	deployment.Annotations[annotationPreviousVersion] = deployment.Annotations[annotationVersion]
	deployment.Annotations[annotationVersion] = previousVersion

	if _, err := deployments.Update(ctx, deployment, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("%w: %v", models.ErrRollbackFailed, err)
	}

	log.Printf("✅ Workload %s rolled back to %s", name, previousVersion)
	return nil
}
