// Package config loads and validates controller configuration: CLI flags
// override environment variables, which override repeatable --config JSON
// files (merged in file order), which override built-in defaults.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"reflect"

	"github.com/caarlos0/env/v11"
	"github.com/xeipuuv/gojsonschema"

	"fleetd/internal/fleeterr"
	"fleetd/internal/store"
)

// maxConfigDepth bounds recursive add_config_files inclusion.
const maxConfigDepth = 5

// APIServer is the aggregation HTTP server's own listen configuration.
type APIServer struct {
	Enabled          bool   `json:"enabled" env:"ENABLED" envDefault:"true"`
	ListenIPAddress  string `json:"listen_ip_address" env:"LISTEN_IP_ADDRESS" envDefault:"0.0.0.0"`
	ListenPort       int    `json:"listen_port" env:"LISTEN_PORT" envDefault:"8080"`
	Username         string `json:"username" env:"USERNAME"`
	Password         string `json:"password" env:"PASSWORD"`
}

// Internals groups the supervisor's throttle/notify knobs.
type Internals struct {
	ProcessThrottleSecs int  `json:"process_throttle_secs" env:"PROCESS_THROTTLE_SECS" envDefault:"300"`
	SDNotify            bool `json:"sd_notify" env:"SD_NOTIFY" envDefault:"false"`
	HeartbeatIntervalS  int  `json:"heartbeat_interval_secs" env:"HEARTBEAT_INTERVAL_SECS" envDefault:"3600"`
}

// Controller is the full set of controller configuration.
type Controller struct {
	CGImage          string `json:"cg_image" env:"CG_IMAGE"`
	CGVersion        string `json:"cg_version" env:"CG_VERSION"`
	CGAPIServerPort  int32  `json:"cg_api_server_port" env:"CG_API_SERVER_PORT"`

	Namespace                    string            `json:"namespace" env:"NAMESPACE" envDefault:"default"`
	CGEnvVars                    map[string]string `json:"cg_env_vars,omitempty"`
	CGInitialState               string            `json:"cg_initial_state" env:"CG_INITIAL_STATE" envDefault:"stopped"`
	CGAPIRouterPrefix            string            `json:"cg_api_router_prefix" env:"CG_API_ROUTER_PREFIX"`
	CGStrategiesPVCClaim         string            `json:"cg_strategies_pvc_claim" env:"CG_STRATEGIES_PVC_CLAIM" envDefault:"fleetd-strategies"`
	CGUserGroupID                *int64            `json:"cguser_group_id,omitempty"`
	DefaultStrategyExchange      string            `json:"default_strategy_exchange" env:"DEFAULT_STRATEGY_EXCHANGE" envDefault:"binance"`
	DefaultStrategyStakeCurrency string            `json:"default_strategy_stake_currency" env:"DEFAULT_STRATEGY_STAKE_CURRENCY" envDefault:"USDT"`

	DBURL    string `json:"db_url,omitempty" env:"DB_URL" envDefault:"sqlite://controllerv1.sqlite"`
	UserDir  string `json:"user_data_dir" env:"USER_DATA_DIR" envDefault:"/coingro"`
	Kubeconfig string `json:"kubeconfig,omitempty" env:"KUBECONFIG"`

	RecursiveStrategySearch bool   `json:"recursive_strategy_search" env:"RECURSIVE_STRATEGY_SEARCH" envDefault:"false"`
	StrategyPath            string `json:"strategy_path" env:"STRATEGY_PATH" envDefault:"/coingro/strategies"`

	// Resource* override the fixed per-bot container footprint;
	// left unset, podspec falls back to its own built-in defaults.
	ResourceRequestsCPU string `json:"resource_requests_cpu,omitempty" env:"RESOURCE_REQUESTS_CPU"`
	ResourceRequestsMem string `json:"resource_requests_mem,omitempty" env:"RESOURCE_REQUESTS_MEM"`
	ResourceLimitsCPU   string `json:"resource_limits_cpu,omitempty" env:"RESOURCE_LIMITS_CPU"`
	ResourceLimitsMem   string `json:"resource_limits_mem,omitempty" env:"RESOURCE_LIMITS_MEM"`

	DefaultBotConfig map[string]interface{} `json:"default_bot_config,omitempty"`

	APIServer APIServer `json:"api_server" envPrefix:"APISERVER__"`
	Internals Internals `json:"internals" envPrefix:"INTERNALS__"`

	// LogFile accepts a plain path, "syslog[:addr]", "journald", or
	// "default" (stdout), mirroring the --logfile flag.
	LogFile string `json:"logfile" env:"LOGFILE" envDefault:"default"`
}

// InitialBotState maps cg_initial_state into the store's BotState
// vocabulary, defaulting to stopped on an unrecognized value.
func (c *Controller) InitialBotState() store.BotState {
	switch c.CGInitialState {
	case "running":
		return store.BotStateRunning
	default:
		return store.BotStateStopped
	}
}

// Load builds a Controller from defaults, repeatable JSON config files (in
// the given order, later files overriding earlier ones, each optionally
// naming further files via "add_config_files" up to maxConfigDepth with a
// cycle guard), environment variables (FLEETD__SECTION__KEY),
// then validates the merged result against the controller JSON schema.
// CLI flags are applied by the caller on the returned struct, so they win
// over every other layer.
func Load(configPaths []string) (*Controller, error) {
	merged := defaults()

	seen := map[string]bool{}
	for _, path := range configPaths {
		if err := mergeFile(&merged, path, seen, 0); err != nil {
			return nil, fleeterr.NewOperational("config:load", err)
		}
	}

	overrides, err := envOverrides()
	if err != nil {
		return nil, fleeterr.NewOperational("config:env", fmt.Errorf("parsing environment overrides: %w", err))
	}
	if err := applyOverride(&merged, overrides); err != nil {
		return nil, fleeterr.NewOperational("config:env", err)
	}

	if err := Validate(&merged); err != nil {
		return nil, err
	}
	return &merged, nil
}

func defaults() Controller {
	c := Controller{}
	// Parsing against an empty environment fills in every envDefault tag
	// without consulting real environment variables, giving us a single
	// source of truth for defaults.
	_ = env.ParseWithOptions(&c, env.Options{Environment: map[string]string{}})
	return c
}

// envOverrides computes the keys the environment actually overrides: the
// defaults are parsed once against the real environment and once against
// an empty one, and only the keys that differ form the override document.
// This keeps envDefault values from clobbering file-provided settings when
// the variable itself is unset.
func envOverrides() (map[string]interface{}, error) {
	withEnv := defaults()
	if err := env.ParseWithOptions(&withEnv, env.Options{Prefix: "FLEETD__"}); err != nil {
		return nil, err
	}
	base, err := toJSONMap(defaults())
	if err != nil {
		return nil, err
	}
	overlaid, err := toJSONMap(withEnv)
	if err != nil {
		return nil, err
	}
	return jsonDiff(base, overlaid), nil
}

func toJSONMap(c Controller) (map[string]interface{}, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}

// jsonDiff returns the keys of overlaid whose values differ from base,
// recursing into nested objects.
func jsonDiff(base, overlaid map[string]interface{}) map[string]interface{} {
	out := map[string]interface{}{}
	for k, ov := range overlaid {
		bv, ok := base[k]
		if !ok {
			out[k] = ov
			continue
		}
		bm, bok := bv.(map[string]interface{})
		om, ook := ov.(map[string]interface{})
		if bok && ook {
			if nested := jsonDiff(bm, om); len(nested) > 0 {
				out[k] = nested
			}
			continue
		}
		if !reflect.DeepEqual(bv, ov) {
			out[k] = ov
		}
	}
	return out
}

// mergeFile reads a JSON config file and shallow-merges its top-level keys
// into target, recursing into any "add_config_files" array it declares.
func mergeFile(target *Controller, path string, seen map[string]bool, depth int) error {
	if depth > maxConfigDepth {
		return fmt.Errorf("config file %s: add_config_files nesting exceeds depth %d", path, maxConfigDepth)
	}
	if seen[path] {
		return fmt.Errorf("config file %s: cyclic add_config_files reference", path)
	}
	seen[path] = true

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if includes, ok := doc["add_config_files"]; ok {
		delete(doc, "add_config_files")
		list, _ := includes.([]interface{})
		for _, inc := range list {
			incPath, _ := inc.(string)
			if incPath == "" {
				continue
			}
			if err := mergeFile(target, incPath, seen, depth+1); err != nil {
				return err
			}
		}
	}

	return applyOverride(target, doc)
}

// applyOverride marshals target, merges doc's keys on top (later beats
// earlier), and unmarshals back, so nested structs merge at
// the field level rather than replacing a whole section wholesale.
func applyOverride(target *Controller, doc map[string]interface{}) error {
	existing, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("marshaling config for merge: %w", err)
	}
	var existingMap map[string]interface{}
	if err := json.Unmarshal(existing, &existingMap); err != nil {
		return fmt.Errorf("unmarshaling config for merge: %w", err)
	}

	deepMerge(existingMap, doc)

	merged, err := json.Marshal(existingMap)
	if err != nil {
		return fmt.Errorf("re-marshaling merged config: %w", err)
	}
	return json.Unmarshal(merged, target)
}

func deepMerge(base, override map[string]interface{}) {
	for k, v := range override {
		if bv, ok := base[k]; ok {
			bm, bok := bv.(map[string]interface{})
			ov, ook := v.(map[string]interface{})
			if bok && ook {
				deepMerge(bm, ov)
				continue
			}
		}
		base[k] = v
	}
}

// Validate checks that the required fields are present and well-formed,
// then runs the full controller JSON schema.
func Validate(c *Controller) error {
	if c.CGImage == "" {
		return fleeterr.NewOperational("config:validate", fmt.Errorf("cg_image is required"))
	}
	if c.CGVersion == "" {
		return fleeterr.NewOperational("config:validate", fmt.Errorf("cg_version is required"))
	}
	if c.CGAPIServerPort == 0 {
		return fleeterr.NewOperational("config:validate", fmt.Errorf("cg_api_server_port is required"))
	}
	if c.CGInitialState != "running" && c.CGInitialState != "stopped" {
		return fleeterr.NewOperational("config:validate", fmt.Errorf("cg_initial_state must be 'running' or 'stopped', got %q", c.CGInitialState))
	}
	if !isValidDNSLabel(c.Namespace) {
		return fleeterr.NewOperational("config:validate", fmt.Errorf("namespace %q is not a valid DNS-1123 label", c.Namespace))
	}

	raw, err := json.Marshal(c)
	if err != nil {
		return fleeterr.NewOperational("config:validate", fmt.Errorf("marshaling config for schema validation: %w", err))
	}
	schemaLoader := gojsonschema.NewStringLoader(controllerSchema)
	docLoader := gojsonschema.NewBytesLoader(raw)
	result, err := gojsonschema.Validate(schemaLoader, docLoader)
	if err != nil {
		return fleeterr.NewOperational("config:validate", fmt.Errorf("running schema validation: %w", err))
	}
	if !result.Valid() {
		msg := ""
		for i, e := range result.Errors() {
			if i > 0 {
				msg += "; "
			}
			msg += e.String()
		}
		return fleeterr.NewOperational("config:validate", fmt.Errorf("controller config failed schema validation: %s", msg))
	}
	return nil
}

// IsValidBotID reports whether id is DNS-1123-safe and lowercased
// (bot_id is also the Pod/Service name).
func IsValidBotID(id string) bool {
	return isValidDNSLabel(id)
}

// isValidDNSLabel is shared by namespace and bot_id validation since
// Kubernetes applies the same RFC 1123 rule to both object kinds.
func isValidDNSLabel(name string) bool {
	if len(name) == 0 || len(name) > 63 {
		return false
	}
	for i, c := range name {
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '-' && i > 0 && i < len(name)-1:
		default:
			return false
		}
	}
	return true
}

// controllerSchema is the JSON Schema controller configuration must
// satisfy.
const controllerSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["cg_image", "cg_version", "cg_api_server_port", "api_server"],
  "properties": {
    "cg_image": {"type": "string", "minLength": 1},
    "cg_version": {"type": "string", "minLength": 1},
    "cg_api_server_port": {"type": "integer", "minimum": 1, "maximum": 65535},
    "cg_initial_state": {"type": "string", "enum": ["running", "stopped"]},
    "api_server": {
      "type": "object",
      "required": ["enabled", "listen_ip_address", "listen_port"],
      "properties": {
        "enabled": {"type": "boolean"},
        "listen_ip_address": {"type": "string", "minLength": 1},
        "listen_port": {"type": "integer", "minimum": 1, "maximum": 65535}
      }
    },
    "internals": {
      "type": "object",
      "properties": {
        "process_throttle_secs": {"type": "integer", "minimum": 1},
        "sd_notify": {"type": "boolean"}
      }
    }
  }
}`
