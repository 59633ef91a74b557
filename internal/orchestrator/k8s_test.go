package orchestrator

import (
	"context"
	"testing"

	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
)

func seedDeployment(name, namespace string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: appsv1.DeploymentSpec{
			Replicas: &replicas,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: map[string]string{"app": name}},
			},
			Selector: &metav1.LabelSelector{MatchLabels: map[string]string{"app": name}},
		},
	}
}

func Test_ReadDeployment_ReturnsCurrentReplicas(t *testing.T) {
	dep := seedDeployment("saturn-crawler-high", "default", 3)
	cs := fake.NewSimpleClientset(dep)
	c := NewWithClientset(cs)

	replicas, err := c.ReadDeployment(context.Background(), "saturn-crawler-high", "default")
	if err != nil {
		t.Fatalf("ReadDeployment: %v", err)
	}
	if replicas != 3 {
		t.Fatalf("expected 3 replicas, got %d", replicas)
	}
}

func Test_PatchDeploymentReplicas_UpdatesScale(t *testing.T) {
	dep := seedDeployment("saturn-crawler-high", "default", 3)
	cs := fake.NewSimpleClientset(dep)
	c := NewWithClientset(cs)

	if err := c.PatchDeploymentReplicas(context.Background(), "saturn-crawler-high", "default", 6); err != nil {
		t.Fatalf("PatchDeploymentReplicas: %v", err)
	}

	replicas, err := c.ReadDeployment(context.Background(), "saturn-crawler-high", "default")
	if err != nil {
		t.Fatalf("ReadDeployment after patch: %v", err)
	}
	if replicas != 6 {
		t.Fatalf("expected 6 replicas after patch, got %d", replicas)
	}
}

func Test_ReadDeployment_UnknownDeploymentErrors(t *testing.T) {
	cs := fake.NewSimpleClientset()
	c := NewWithClientset(cs)

	if _, err := c.ReadDeployment(context.Background(), "does-not-exist", "default"); err == nil {
		t.Fatalf("expected error for unknown deployment, got nil")
	}
}
