package cluster

import (
	"context"
	"sync"

	corev1 "k8s.io/api/core/v1"
)

// MockFacade is an in-memory Facade double: every method has a Func field
// that defaults to a sensible in-memory behavior, and tests override just
// the ones they care about.
type MockFacade struct {
	mu sync.Mutex

	Pods     map[string]*corev1.Pod
	Services map[string]*corev1.Service

	GetPodFunc             func(ctx context.Context, name string) (*corev1.Pod, error)
	ListPodsFunc           func(ctx context.Context) ([]corev1.Pod, error)
	GetServiceFunc         func(ctx context.Context, name string) (*corev1.Service, error)
	CreateServiceFunc      func(ctx context.Context, svc *corev1.Service) error
	CreatePodFunc          func(ctx context.Context, pod *corev1.Pod) error
	ReplacePodFunc         func(ctx context.Context, name string, pod *corev1.Pod) error
	DeletePodFunc          func(ctx context.Context, name string) error
	DeleteServiceFunc      func(ctx context.Context, name string) error
	DeletePVCFunc          func(ctx context.Context, name string) error
	CreateBotInstanceFunc  func(ctx context.Context, pod *corev1.Pod, svc *corev1.Service) error
	DeleteBotInstanceFunc  func(ctx context.Context, botID string) error
	ReplaceBotInstanceFunc func(ctx context.Context, botID string, pod *corev1.Pod) error
}

// NewMockFacade returns a MockFacade backed by empty Pod/Service maps.
func NewMockFacade() *MockFacade {
	return &MockFacade{
		Pods:     make(map[string]*corev1.Pod),
		Services: make(map[string]*corev1.Service),
	}
}

var _ Facade = (*MockFacade)(nil)

func (m *MockFacade) GetPod(ctx context.Context, name string) (*corev1.Pod, error) {
	if m.GetPodFunc != nil {
		return m.GetPodFunc(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Pods[name], nil
}

func (m *MockFacade) ListPods(ctx context.Context) ([]corev1.Pod, error) {
	if m.ListPodsFunc != nil {
		return m.ListPodsFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]corev1.Pod, 0, len(m.Pods))
	for _, p := range m.Pods {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MockFacade) GetService(ctx context.Context, name string) (*corev1.Service, error) {
	if m.GetServiceFunc != nil {
		return m.GetServiceFunc(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Services[name], nil
}

func (m *MockFacade) CreateService(ctx context.Context, svc *corev1.Service) error {
	if m.CreateServiceFunc != nil {
		return m.CreateServiceFunc(ctx, svc)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.Services[svc.Name]; ok {
		return nil
	}
	m.Services[svc.Name] = svc.DeepCopy()
	return nil
}

func (m *MockFacade) CreatePod(ctx context.Context, pod *corev1.Pod) error {
	if m.CreatePodFunc != nil {
		return m.CreatePodFunc(ctx, pod)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pods[pod.Name] = pod.DeepCopy()
	return nil
}

func (m *MockFacade) ReplacePod(ctx context.Context, name string, pod *corev1.Pod) error {
	if m.ReplacePodFunc != nil {
		return m.ReplacePodFunc(ctx, name, pod)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Pods[name] = pod.DeepCopy()
	return nil
}

func (m *MockFacade) DeletePod(ctx context.Context, name string) error {
	if m.DeletePodFunc != nil {
		return m.DeletePodFunc(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Pods, name)
	return nil
}

func (m *MockFacade) DeleteService(ctx context.Context, name string) error {
	if m.DeleteServiceFunc != nil {
		return m.DeleteServiceFunc(ctx, name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.Services, name)
	return nil
}

func (m *MockFacade) DeletePVC(ctx context.Context, name string) error {
	if m.DeletePVCFunc != nil {
		return m.DeletePVCFunc(ctx, name)
	}
	return nil
}

func (m *MockFacade) CreateBotInstance(ctx context.Context, pod *corev1.Pod, svc *corev1.Service) error {
	if m.CreateBotInstanceFunc != nil {
		return m.CreateBotInstanceFunc(ctx, pod, svc)
	}
	if err := m.CreateService(ctx, svc); err != nil {
		return err
	}
	return m.CreatePod(ctx, pod)
}

func (m *MockFacade) DeleteBotInstance(ctx context.Context, botID string) error {
	if m.DeleteBotInstanceFunc != nil {
		return m.DeleteBotInstanceFunc(ctx, botID)
	}
	if err := m.DeletePod(ctx, botID); err != nil {
		return err
	}
	return m.DeleteService(ctx, botID)
}

func (m *MockFacade) ReplaceBotInstance(ctx context.Context, botID string, pod *corev1.Pod) error {
	if m.ReplaceBotInstanceFunc != nil {
		return m.ReplaceBotInstanceFunc(ctx, botID, pod)
	}
	return m.ReplacePod(ctx, botID, pod)
}
