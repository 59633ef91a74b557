// Package orchestrator implements the Autoscaler's view of the
// deployment platform (spec.md §6.4) atop k8s.io/client-go: reading a
// Deployment's current replica count and patching a new one via the
// scale subresource.
package orchestrator

import (
	"context"
	"fmt"

	autoscalingv1 "k8s.io/api/autoscaling/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// Client is the k8s.io/client-go-backed domain.Orchestrator
// implementation.
type Client struct {
	clientset kubernetes.Interface
}

// NewFromKubeconfig builds a Client from an explicit kubeconfig path, or
// from the in-cluster service-account config when path is empty (the
// normal case when the autoscaler itself runs as a pod).
func NewFromKubeconfig(path string) (*Client, error) {
	var cfg *rest.Config
	var err error
	if path != "" {
		cfg, err = clientcmd.BuildConfigFromFlags("", path)
	} else {
		cfg, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("op=orchestrator.NewFromKubeconfig: %w", err)
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("op=orchestrator.NewFromKubeconfig: %w", err)
	}
	return &Client{clientset: cs}, nil
}

// NewWithClientset wraps an already-constructed clientset, used in
// tests against k8s.io/client-go/kubernetes/fake.
func NewWithClientset(cs kubernetes.Interface) *Client {
	return &Client{clientset: cs}
}

// ReadDeployment reads the Deployment's scale subresource and returns
// its current replica count.
func (c *Client) ReadDeployment(ctx context.Context, name, namespace string) (int32, error) {
	scale, err := c.clientset.AppsV1().Deployments(namespace).GetScale(ctx, name, metav1.GetOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=orchestrator.ReadDeployment: %w", err)
	}
	return scale.Spec.Replicas, nil
}

// PatchDeploymentReplicas applies a new replica count through the scale
// subresource, avoiding a read-modify-write race on the full Deployment
// spec.
func (c *Client) PatchDeploymentReplicas(ctx context.Context, name, namespace string, replicas int32) error {
	scale := &autoscalingv1.Scale{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec:       autoscalingv1.ScaleSpec{Replicas: replicas},
	}
	if _, err := c.clientset.AppsV1().Deployments(namespace).UpdateScale(ctx, name, scale, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("op=orchestrator.PatchDeploymentReplicas: %w", err)
	}
	return nil
}
