package cluster

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8sfake "k8s.io/client-go/kubernetes/fake"

	"fleetd/internal/podspec"
)

func TestMockFacade_CreateBotInstanceIsIdempotent(t *testing.T) {
	m := NewMockFacade()
	ctx := context.Background()

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "bot-1"}}
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "bot-1"}}

	require.NoError(t, m.CreateBotInstance(ctx, pod, svc))
	require.NoError(t, m.CreateBotInstance(ctx, pod, svc))

	got, err := m.GetPod(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", got.Name)

	gotSvc, err := m.GetService(ctx, "bot-1")
	require.NoError(t, err)
	assert.Equal(t, "bot-1", gotSvc.Name)
}

func TestMockFacade_DeleteBotInstanceRemovesBoth(t *testing.T) {
	m := NewMockFacade()
	ctx := context.Background()

	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "bot-2"}}
	svc := &corev1.Service{ObjectMeta: metav1.ObjectMeta{Name: "bot-2"}}
	require.NoError(t, m.CreateBotInstance(ctx, pod, svc))

	require.NoError(t, m.DeleteBotInstance(ctx, "bot-2"))

	gotPod, err := m.GetPod(ctx, "bot-2")
	require.NoError(t, err)
	assert.Nil(t, gotPod)

	gotSvc, err := m.GetService(ctx, "bot-2")
	require.NoError(t, err)
	assert.Nil(t, gotSvc)
}

func TestMockFacade_GetPodMissingReturnsNilNoError(t *testing.T) {
	m := NewMockFacade()
	pod, err := m.GetPod(context.Background(), "does-not-exist")
	require.NoError(t, err)
	assert.Nil(t, pod)
}

func TestMockFacade_ReplaceBotInstanceOverwritesPod(t *testing.T) {
	m := NewMockFacade()
	ctx := context.Background()

	pod1 := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "bot-3"}, Spec: corev1.PodSpec{NodeName: "a"}}
	require.NoError(t, m.CreatePod(ctx, pod1))

	pod2 := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "bot-3"}, Spec: corev1.PodSpec{NodeName: "b"}}
	require.NoError(t, m.ReplaceBotInstance(ctx, "bot-3", pod2))

	got, err := m.GetPod(ctx, "bot-3")
	require.NoError(t, err)
	assert.Equal(t, "b", got.Spec.NodeName)
}

func TestMockFacade_ListPodsReflectsCreates(t *testing.T) {
	m := NewMockFacade()
	ctx := context.Background()

	require.NoError(t, m.CreatePod(ctx, &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "a"}}))
	require.NoError(t, m.CreatePod(ctx, &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "b"}}))

	pods, err := m.ListPods(ctx)
	require.NoError(t, err)
	assert.Len(t, pods, 2)
}

// newTestClient builds a real Client backed by a fake clientset so these
// tests exercise Client's own CRUD logic rather than MockFacade's in-memory
// map, which can't distinguish a genuine Update from a delete-then-create.
func newTestClient(pods ...*corev1.Pod) (*Client, *k8sfake.Clientset) {
	cs := k8sfake.NewSimpleClientset()
	for _, pod := range pods {
		_, _ = cs.CoreV1().Pods("default").Create(context.Background(), pod, metav1.CreateOptions{})
	}
	return &Client{clientset: cs, namespace: "default", logger: zap.NewNop()}, cs
}

func TestClient_ReplacePodUpdatesInPlaceWithoutDeleting(t *testing.T) {
	existing := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "bot-4"},
		Spec:       corev1.PodSpec{NodeName: "a"},
	}
	c, cs := newTestClient(existing)
	cs.ClearActions()

	replacement := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "bot-4"},
		Spec:       corev1.PodSpec{NodeName: "b"},
	}
	require.NoError(t, c.ReplacePod(context.Background(), "bot-4", replacement))

	var sawDelete, sawUpdate bool
	for _, action := range cs.Actions() {
		switch action.GetVerb() {
		case "delete":
			sawDelete = true
		case "update":
			sawUpdate = true
		}
	}
	assert.False(t, sawDelete, "replace_pod must not delete the existing pod")
	assert.True(t, sawUpdate, "replace_pod must issue an in-place update")

	got, err := cs.CoreV1().Pods("default").Get(context.Background(), "bot-4", metav1.GetOptions{})
	require.NoError(t, err)
	assert.Equal(t, "b", got.Spec.NodeName)
}

func TestClient_ListPodsReturnsRenderedPods(t *testing.T) {
	c, _ := newTestClient()

	pod, _, err := podspec.Render("coingro01", map[string]interface{}{}, nil, podspec.Config{
		Image:              "fleetbot:1.0.0",
		UserDataDir:        "/coingro/user_data",
		StrategiesPVCClaim: "strategies-pvc",
	}, 8080)
	require.NoError(t, err)
	require.NoError(t, c.CreatePod(context.Background(), pod))

	pods, err := c.ListPods(context.Background())
	require.NoError(t, err)
	require.Len(t, pods, 1)
	assert.Equal(t, "coingro01", pods[0].Name)
}

func TestClient_CreatePodDeletesExistingThenCreates(t *testing.T) {
	existing := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "bot-5"},
		Spec:       corev1.PodSpec{NodeName: "a"},
	}
	c, cs := newTestClient(existing)
	cs.ClearActions()

	require.NoError(t, c.CreatePod(context.Background(), &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "bot-5"},
		Spec:       corev1.PodSpec{NodeName: "b"},
	}))

	var sawDelete, sawCreate bool
	for _, action := range cs.Actions() {
		switch action.GetVerb() {
		case "delete":
			sawDelete = true
		case "create":
			sawCreate = true
		}
	}
	assert.True(t, sawDelete, "create_pod must delete any existing pod of the same name first")
	assert.True(t, sawCreate, "create_pod must then create the new pod")
}
