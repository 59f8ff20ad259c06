package kubernetes

import (
	"fmt"

	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// ClientsetConfig says how to reach the API server
type ClientsetConfig struct {
	InCluster  bool
	Kubeconfig string
	QPS        float32
	Burst      int
}

// NewClientset builds a clientset from the in-cluster service account, an
// explicit kubeconfig path, or the default loading rules, in that order.
func NewClientset(cfg ClientsetConfig) (kubernetes.Interface, error) {
	restConfig, err := loadRestConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load kubernetes config: %w", err)
	}

	if cfg.QPS > 0 {
		restConfig.QPS = cfg.QPS
	}
	if cfg.Burst > 0 {
		restConfig.Burst = cfg.Burst
	}

	return kubernetes.NewForConfig(restConfig)
}

func loadRestConfig(cfg ClientsetConfig) (*rest.Config, error) {
	if cfg.InCluster {
		return rest.InClusterConfig()
	}
	if cfg.Kubeconfig != "" {
		return clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	}
	rules := clientcmd.NewDefaultClientConfigLoadingRules()
	overrides := &clientcmd.ConfigOverrides{}
	return clientcmd.NewNonInteractiveDeferredLoadingClientConfig(rules, overrides).ClientConfig()
}
