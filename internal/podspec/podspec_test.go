package podspec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
)

func testRenderConfig() Config {
	return Config{
		Image:              "fleetbot:1.0.0",
		UserDataDir:        "/coingro/user_data",
		StrategiesPVCClaim: "strategies-pvc",
		EnvVars:            map[string]string{"COINGRO__DRY_RUN": "true"},
	}
}

func envMap(envs []corev1.EnvVar) map[string]string {
	out := make(map[string]string, len(envs))
	for _, e := range envs {
		out[e.Name] = e.Value
	}
	return out
}

func TestRender_ServiceShape(t *testing.T) {
	_, svc, err := Render("coingro01", map[string]interface{}{}, nil, testRenderConfig(), 8080)
	require.NoError(t, err)

	assert.Equal(t, "coingro01", svc.Name)
	assert.Equal(t, "coingro01", svc.Labels[LabelName])
	assert.Equal(t, CreatorValue, svc.Labels[LabelCreator])

	require.Len(t, svc.Spec.Ports, 1)
	port := svc.Spec.Ports[0]
	assert.Equal(t, PortName, port.Name)
	assert.Equal(t, int32(ServicePort), port.Port)
	assert.Equal(t, int32(8080), port.TargetPort.IntVal)

	assert.Equal(t, "coingro01", svc.Spec.Selector[LabelName])
	assert.Equal(t, "coingro01", svc.Spec.Selector[LabelRun])
	assert.Equal(t, AppValue, svc.Spec.Selector[LabelApp])
	assert.Equal(t, CreatorValue, svc.Spec.Selector[LabelCreator])
}

func TestRender_PodEnvAndCommand(t *testing.T) {
	pod, _, err := Render("coingro01", map[string]interface{}{"stake_amount": 50.0},
		map[string]string{"COINGRO__STRATEGY": "SMA01"}, testRenderConfig(), 8080)
	require.NoError(t, err)

	require.Len(t, pod.Spec.Containers, 1)
	c := pod.Spec.Containers[0]

	env := envMap(c.Env)
	assert.Equal(t, "coingro01", env["CG_BOT_ID"])
	assert.Equal(t, "default", env["COINGRO__LOGFILE"])
	assert.Equal(t, "true", env["COINGRO__DRY_RUN"])
	assert.Equal(t, "SMA01", env["COINGRO__STRATEGY"])

	assert.Equal(t, []string{"/bin/sh", "-c"}, c.Command)
	require.Len(t, c.Args, 1)
	assert.Contains(t, c.Args[0], `"stake_amount": 50`)
	assert.Contains(t, c.Args[0], "trade")
	assert.Contains(t, c.Args[0], "/coingro/user_data/config/")
}

func TestRender_ProbesMatchFixedTimings(t *testing.T) {
	pod, _, err := Render("coingro01", nil, nil, testRenderConfig(), 8080)
	require.NoError(t, err)

	live := pod.Spec.Containers[0].LivenessProbe
	require.NotNil(t, live)
	assert.Equal(t, PingPath, live.HTTPGet.Path)
	assert.Equal(t, int32(600), live.InitialDelaySeconds)
	assert.Equal(t, int32(120), live.PeriodSeconds)
	assert.Equal(t, int32(1), live.FailureThreshold)

	startup := pod.Spec.Containers[0].StartupProbe
	require.NotNil(t, startup)
	assert.Equal(t, int32(3), startup.PeriodSeconds)
	assert.Equal(t, int32(10), startup.FailureThreshold)
}

func TestRender_StrategiesMountIsReadOnly(t *testing.T) {
	pod, _, err := Render("coingro01", nil, nil, testRenderConfig(), 8080)
	require.NoError(t, err)

	mounts := pod.Spec.Containers[0].VolumeMounts
	require.Len(t, mounts, 1)
	assert.Equal(t, StrategiesMountDir, mounts[0].MountPath)
	assert.True(t, mounts[0].ReadOnly)

	require.Len(t, pod.Spec.Volumes, 1)
	pvc := pod.Spec.Volumes[0].PersistentVolumeClaim
	require.NotNil(t, pvc)
	assert.Equal(t, "strategies-pvc", pvc.ClaimName)
	assert.True(t, pvc.ReadOnly)
}

func TestRender_FSGroupPropagates(t *testing.T) {
	cfg := testRenderConfig()
	group := int64(1000)
	cfg.FSGroup = &group

	pod, _, err := Render("coingro01", nil, nil, cfg, 8080)
	require.NoError(t, err)
	require.NotNil(t, pod.Spec.SecurityContext.FSGroup)
	assert.Equal(t, int64(1000), *pod.Spec.SecurityContext.FSGroup)
}

func TestRender_InfiniteMaxOpenTradesSerializesAsMinusOne(t *testing.T) {
	pod, _, err := Render("coingro01", map[string]interface{}{"max_open_trades": math.Inf(1)},
		nil, testRenderConfig(), 8080)
	require.NoError(t, err)
	assert.Contains(t, pod.Spec.Containers[0].Args[0], `"max_open_trades": -1`)
}

func TestRender_ResourceOverridesWinOverDefaults(t *testing.T) {
	cfg := testRenderConfig()
	cfg.ResourceLimitsCPU = "2"
	cfg.ResourceRequestsMem = "256Mi"

	pod, _, err := Render("coingro01", nil, nil, cfg, 8080)
	require.NoError(t, err)

	res := pod.Spec.Containers[0].Resources
	assert.Equal(t, "2", res.Limits.Cpu().String())
	assert.Equal(t, "256Mi", res.Requests.Memory().String())
	// untouched fields keep their defaults
	assert.Equal(t, defaultRequestCPU.String(), res.Requests.Cpu().String())
	assert.Equal(t, defaultLimitMem.String(), res.Limits.Memory().String())
}

func TestRender_MalformedResourceOverrideFallsBack(t *testing.T) {
	cfg := testRenderConfig()
	cfg.ResourceLimitsCPU = "not-a-quantity"

	pod, _, err := Render("coingro01", nil, nil, cfg, 8080)
	require.NoError(t, err)
	assert.Equal(t, defaultLimitCPU.String(), pod.Spec.Containers[0].Resources.Limits.Cpu().String())
}
