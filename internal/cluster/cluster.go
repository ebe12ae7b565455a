// Package cluster is the typed facade over the Kubernetes API:
// bounded-retry Pod/Service CRUD scoped to a single namespace.
package cluster

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/retry"

	"fleetd/internal/fleeterr"
)

// Facade is the set of cluster operations the reconciler consumes. Every
// method is safe for concurrent use.
type Facade interface {
	GetPod(ctx context.Context, name string) (*corev1.Pod, error)
	ListPods(ctx context.Context) ([]corev1.Pod, error)
	GetService(ctx context.Context, name string) (*corev1.Service, error)
	CreateService(ctx context.Context, svc *corev1.Service) error
	CreatePod(ctx context.Context, pod *corev1.Pod) error
	ReplacePod(ctx context.Context, name string, pod *corev1.Pod) error
	DeletePod(ctx context.Context, name string) error
	DeleteService(ctx context.Context, name string) error
	DeletePVC(ctx context.Context, name string) error
	CreateBotInstance(ctx context.Context, pod *corev1.Pod, svc *corev1.Service) error
	DeleteBotInstance(ctx context.Context, botID string) error
	ReplaceBotInstance(ctx context.Context, botID string, pod *corev1.Pod) error
}

// Client is the Kubernetes-backed Facade implementation.
type Client struct {
	clientset kubernetes.Interface
	namespace string
	logger    *zap.Logger
}

// Config configures how the client reaches the API server.
type Config struct {
	Kubeconfig string // empty: use in-cluster credentials
	Namespace  string
}

// New builds a Client, preferring in-cluster credentials and falling back
// to a kubeconfig file when one is configured.
func New(cfg Config, logger *zap.Logger) (*Client, error) {
	restConfig, err := buildRestConfig(cfg.Kubeconfig)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes rest config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restConfig)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes clientset: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{clientset: clientset, namespace: cfg.Namespace, logger: logger}, nil
}

func buildRestConfig(kubeconfigPath string) (*rest.Config, error) {
	if kubeconfigPath == "" {
		restConfig, err := rest.InClusterConfig()
		if err != nil {
			return nil, fmt.Errorf("in-cluster config unavailable: %w", err)
		}
		return restConfig, nil
	}
	return clientcmd.BuildConfigFromFlags("", kubeconfigPath)
}

var _ Facade = (*Client)(nil)

// withRetry runs op with bounded exponential backoff: 3 attempts, 1s
// base, surfacing exhaustion as a Transient error.
func withRetry(ctx context.Context, op string, fn func() error) error {
	backoff := retry.DefaultBackoff
	backoff.Steps = 3
	backoff.Duration = time.Second
	err := retry.OnError(backoff, func(error) bool { return true }, fn)
	if err != nil {
		return fleeterr.NewTransient(op, err)
	}
	return nil
}

// GetPod never errors on NotFound; it logs and returns nil on any other
// error after retry exhaustion.
func (c *Client) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	var pod *corev1.Pod
	err := withRetry(ctx, "get_pod", func() error {
		p, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			pod = nil
			return nil
		}
		if err != nil {
			return err
		}
		pod = p
		return nil
	})
	if err != nil {
		c.logger.Warn("get_pod failed", zap.String("name", name), zap.Error(err))
		return nil, nil
	}
	return pod, nil
}

// ListPods returns every pod in the namespace, unfiltered; the namespace
// is the controller's whole world.
func (c *Client) ListPods(ctx context.Context) ([]corev1.Pod, error) {
	var out []corev1.Pod
	err := withRetry(ctx, "list_pods", func() error {
		list, err := c.clientset.CoreV1().Pods(c.namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return err
		}
		out = list.Items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetService(ctx context.Context, name string) (*corev1.Service, error) {
	var svc *corev1.Service
	err := withRetry(ctx, "get_service", func() error {
		s, err := c.clientset.CoreV1().Services(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			svc = nil
			return nil
		}
		if err != nil {
			return err
		}
		svc = s
		return nil
	})
	if err != nil {
		c.logger.Warn("get_service failed", zap.String("name", name), zap.Error(err))
		return nil, nil
	}
	return svc, nil
}

// CreateService is idempotent: an existing Service by the same name is
// reused untouched. Errors are logged and swallowed so one
// broken bot never stops the reconciler from making progress on others.
func (c *Client) CreateService(ctx context.Context, svc *corev1.Service) error {
	existing, _ := c.GetService(ctx, svc.Name)
	if existing != nil {
		return nil
	}
	err := withRetry(ctx, "create_service", func() error {
		_, err := c.clientset.CoreV1().Services(c.namespace).Create(ctx, svc, metav1.CreateOptions{})
		return err
	})
	if err != nil {
		c.logger.Warn("create_service failed", zap.String("name", svc.Name), zap.Error(err))
	}
	return nil
}

// CreatePod deletes any existing Pod of the same name first, then
// creates. Errors are logged and swallowed.
func (c *Client) CreatePod(ctx context.Context, pod *corev1.Pod) error {
	_ = c.DeletePod(ctx, pod.Name)
	err := withRetry(ctx, "create_pod", func() error {
		_, err := c.clientset.CoreV1().Pods(c.namespace).Create(ctx, pod, metav1.CreateOptions{})
		return err
	})
	if err != nil {
		c.logger.Warn("create_pod failed", zap.String("name", pod.Name), zap.Error(err))
	}
	return nil
}

// ReplacePod performs a genuine in-place Kubernetes update, distinct from
// CreatePod's delete-then-create. The existing object's ResourceVersion is
// carried over so the Update is accepted rather than rejected as a stale
// write.
func (c *Client) ReplacePod(ctx context.Context, name string, pod *corev1.Pod) error {
	pod.Name = name
	err := withRetry(ctx, "replace_pod", func() error {
		existing, err := c.clientset.CoreV1().Pods(c.namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		pod.ResourceVersion = existing.ResourceVersion
		_, err = c.clientset.CoreV1().Pods(c.namespace).Update(ctx, pod, metav1.UpdateOptions{})
		return err
	})
	if err != nil {
		c.logger.Warn("replace_pod failed", zap.String("name", name), zap.Error(err))
	}
	return nil
}

func (c *Client) DeletePod(ctx context.Context, name string) error {
	err := withRetry(ctx, "delete_pod", func() error {
		err := c.clientset.CoreV1().Pods(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Warn("delete_pod failed", zap.String("name", name), zap.Error(err))
	}
	return nil
}

func (c *Client) DeleteService(ctx context.Context, name string) error {
	err := withRetry(ctx, "delete_service", func() error {
		err := c.clientset.CoreV1().Services(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Warn("delete_service failed", zap.String("name", name), zap.Error(err))
	}
	return nil
}

func (c *Client) DeletePVC(ctx context.Context, name string) error {
	err := withRetry(ctx, "delete_pvc", func() error {
		err := c.clientset.CoreV1().PersistentVolumeClaims(c.namespace).Delete(ctx, name, metav1.DeleteOptions{})
		if apierrors.IsNotFound(err) {
			return nil
		}
		return err
	})
	if err != nil {
		c.logger.Warn("delete_pvc failed", zap.String("name", name), zap.Error(err))
	}
	return nil
}

func (c *Client) CreateBotInstance(ctx context.Context, pod *corev1.Pod, svc *corev1.Service) error {
	if err := c.CreateService(ctx, svc); err != nil {
		return err
	}
	return c.CreatePod(ctx, pod)
}

func (c *Client) DeleteBotInstance(ctx context.Context, botID string) error {
	if err := c.DeletePod(ctx, botID); err != nil {
		return err
	}
	return c.DeleteService(ctx, botID)
}

func (c *Client) ReplaceBotInstance(ctx context.Context, botID string, pod *corev1.Pod) error {
	return c.ReplacePod(ctx, botID, pod)
}
