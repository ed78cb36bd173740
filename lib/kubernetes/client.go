package kubernetes

import (
	"fmt"
	"log"
	"os"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	metricsclient "k8s.io/metrics/pkg/client/clientset/versioned"
)

// ProxyOptions contains options for connecting to kubectl proxy
type ProxyOptions struct {
	// Host is the kubectl proxy URL (default: http://localhost:8001)
	Host string
}

// Client bundles the typed clientset with the optional metrics client.
// Fields are interfaces so callers can be wired against fake clientsets.
type Client struct {
	Clientset     kubernetes.Interface
	MetricsClient metricsclient.Interface
}

// NewClient creates a Kubernetes client using the proxy address from
// K8S_PROXY_URL, or the kubectl proxy default.
func NewClient() (*Client, error) {
	proxyURL := os.Getenv("K8S_PROXY_URL")
	if proxyURL == "" {
		proxyURL = "http://localhost:8001"
	}

	return NewClientWithOptions(ProxyOptions{
		Host: proxyURL,
	})
}

// NewClientWithOptions creates a Kubernetes client with the specified proxy options
func NewClientWithOptions(options ProxyOptions) (*Client, error) {
	host := options.Host
	if host == "" {
		host = "http://localhost:8001"
	}

	// kubectl proxy handles auth, so the REST config stays bare
	config := &rest.Config{
		Host: host,
		TLSClientConfig: rest.TLSClientConfig{
			Insecure: true,
		},
	}

	clientset, err := kubernetes.NewForConfig(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kubernetes client: %v", err)
	}

	client := &Client{Clientset: clientset}

	// Metrics-server may be absent. Leave MetricsClient nil rather than
	// storing a dead typed pointer behind the interface.
	metricsClient, err := metricsclient.NewForConfig(config)
	if err != nil {
		log.Printf("⚠️ Metrics client unavailable: %v", err)
	} else {
		client.MetricsClient = metricsClient
	}

	return client, nil
}
