// Package podspec renders a bot identity, its JSON configuration, and
// controller-wide settings into a Kubernetes Pod and Service. Rendering is
// a pure function with no I/O.
package podspec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	"k8s.io/apimachinery/pkg/util/intstr"
)

// Fixed small resource defaults: every bot container is identical in
// footprint, so there is nothing to parameterize per-bot.
var (
	defaultRequestCPU = resource.MustParse("100m")
	defaultRequestMem = resource.MustParse("128Mi")
	defaultLimitCPU   = resource.MustParse("500m")
	defaultLimitMem   = resource.MustParse("512Mi")
)

const (
	LabelName    = "name"
	LabelRun     = "run"
	LabelApp     = "app"
	LabelCreator = "creator"

	AppValue     = "fleet-bot"
	CreatorValue = "fleetd"

	ContainerName      = "bot-container"
	PortName           = "api-server-port"
	ServicePort        = 80
	PingPath           = "api/v1/ping"
	StrategiesMountDir = "/coingro/strategies/"
	ConfigSaveName     = "config-runtime.json"
)

// Config is the subset of controller configuration the renderer needs.
type Config struct {
	Image               string
	UserDataDir         string
	StrategiesPVCClaim  string
	EnvVars             map[string]string
	FSGroup             *int64
	ResourceRequestsCPU string
	ResourceRequestsMem string
	ResourceLimitsCPU   string
	ResourceLimitsMem   string
}

// Render builds the Service and Pod specs for a single bot. It performs no
// I/O; bot_config is pretty-printed JSON embedded in the Pod's startup
// command.
func Render(botID string, botConfig map[string]interface{}, envOverrides map[string]string, cfg Config, apiPort int32) (*corev1.Pod, *corev1.Service, error) {
	labels := map[string]string{
		LabelName:    botID,
		LabelRun:     botID,
		LabelApp:     AppValue,
		LabelCreator: CreatorValue,
	}

	svc := &corev1.Service{
		ObjectMeta: metav1.ObjectMeta{
			Name:   botID,
			Labels: map[string]string{LabelName: botID, LabelCreator: CreatorValue},
		},
		Spec: corev1.ServiceSpec{
			Selector: labels,
			Ports: []corev1.ServicePort{
				{
					Name:       PortName,
					Protocol:   corev1.ProtocolTCP,
					Port:       ServicePort,
					TargetPort: intstr.FromInt32(apiPort),
				},
			},
		},
	}

	configJSON, err := renderConfigJSON(botConfig)
	if err != nil {
		return nil, nil, fmt.Errorf("rendering bot config for %s: %w", botID, err)
	}

	configPath := cfg.UserDataDir + "/config/" + ConfigSaveName
	startupCmd := fmt.Sprintf(
		"mkdir -p %q && cat > %q <<'FLEETD_BOT_CONFIG'\n%s\nFLEETD_BOT_CONFIG\nexec fleetbot trade",
		cfg.UserDataDir+"/config", configPath, configJSON,
	)

	env := mergeEnv(cfg.EnvVars, envOverrides)
	env["CG_BOT_ID"] = botID
	env["COINGRO__LOGFILE"] = "default"

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:   botID,
			Labels: labels,
		},
		Spec: corev1.PodSpec{
			SecurityContext: &corev1.PodSecurityContext{FSGroup: cfg.FSGroup},
			Containers: []corev1.Container{
				{
					Name:    ContainerName,
					Image:   cfg.Image,
					Command: []string{"/bin/sh", "-c"},
					Args:    []string{startupCmd},
					Env:     toEnvVarList(env),
					Ports: []corev1.ContainerPort{
						{Name: PortName, ContainerPort: apiPort},
					},
					LivenessProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: PingPath,
								Port: intstr.FromInt32(apiPort),
							},
						},
						InitialDelaySeconds: 600,
						PeriodSeconds:       120,
						FailureThreshold:    1,
					},
					StartupProbe: &corev1.Probe{
						ProbeHandler: corev1.ProbeHandler{
							HTTPGet: &corev1.HTTPGetAction{
								Path: PingPath,
								Port: intstr.FromInt32(apiPort),
							},
						},
						PeriodSeconds:    3,
						FailureThreshold: 10,
					},
					VolumeMounts: []corev1.VolumeMount{
						{
							Name:      "strategies",
							MountPath: StrategiesMountDir,
							ReadOnly:  true,
						},
					},
					Resources: resourceRequirements(cfg),
				},
			},
			Volumes: []corev1.Volume{
				{
					Name: "strategies",
					VolumeSource: corev1.VolumeSource{
						PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
							ClaimName: cfg.StrategiesPVCClaim,
							ReadOnly:  true,
						},
					},
				},
			},
		},
	}

	return pod, svc, nil
}

func resourceRequirements(cfg Config) corev1.ResourceRequirements {
	return corev1.ResourceRequirements{
		Requests: corev1.ResourceList{
			corev1.ResourceCPU:    quantityOrDefault(cfg.ResourceRequestsCPU, defaultRequestCPU),
			corev1.ResourceMemory: quantityOrDefault(cfg.ResourceRequestsMem, defaultRequestMem),
		},
		Limits: corev1.ResourceList{
			corev1.ResourceCPU:    quantityOrDefault(cfg.ResourceLimitsCPU, defaultLimitCPU),
			corev1.ResourceMemory: quantityOrDefault(cfg.ResourceLimitsMem, defaultLimitMem),
		},
	}
}

// quantityOrDefault lets operators override the fixed per-bot footprint
// via controller config; an unset or malformed override falls back to the
// built-in default rather than failing pod rendering.
func quantityOrDefault(raw string, fallback resource.Quantity) resource.Quantity {
	if raw == "" {
		return fallback
	}
	q, err := resource.ParseQuantity(raw)
	if err != nil {
		return fallback
	}
	return q
}

func cloneConfig(config map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(config))
	for k, v := range config {
		out[k] = v
	}
	return out
}

func mergeEnv(base map[string]string, overrides map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(overrides))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func toEnvVarList(env map[string]string) []corev1.EnvVar {
	out := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		out = append(out, corev1.EnvVar{Name: k, Value: v})
	}
	return out
}

// renderConfigJSON pretty-prints bot_config preserving non-ASCII characters
// (json.Marshal's default HTML-escaping is disabled so unicode and
// characters like '<'/'&' survive unchanged, matching ensure_ascii=False).
func renderConfigJSON(config map[string]interface{}) (string, error) {
	// max_open_trades = +Inf serializes to -1, same rule as the persisted
	// configuration column.
	if f, ok := config["max_open_trades"].(float64); ok && math.IsInf(f, 1) {
		config = cloneConfig(config)
		config["max_open_trades"] = -1
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(config); err != nil {
		return "", err
	}
	return buf.String(), nil
}
