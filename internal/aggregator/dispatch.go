package aggregator

import (
	"encoding/json"
	"net/http"

	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"

	"fleetd/internal/botclient"
	"fleetd/internal/logger"
	"fleetd/internal/store"
)

// schemaKind selects which declared response schema a proxied call's
// result must satisfy; a validation failure is a 400 carrying the
// upstream payload.
type schemaKind int

const (
	schemaObject schemaKind = iota
	schemaArray
)

var (
	objectSchemaLoader = gojsonschema.NewStringLoader(`{"type":"object"}`)
	arraySchemaLoader  = gojsonschema.NewStringLoader(`{"type":"array"}`)
)

func validateSchema(kind schemaKind, result interface{}) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return err
	}
	loader := objectSchemaLoader
	if kind == schemaArray {
		loader = arraySchemaLoader
	}
	res, err := gojsonschema.Validate(loader, gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return err
	}
	if !res.Valid() {
		msg := ""
		for i, e := range res.Errors() {
			if i > 0 {
				msg += "; "
			}
			msg += e.String()
		}
		return &schemaError{msg: msg}
	}
	return nil
}

type schemaError struct{ msg string }

func (e *schemaError) Error() string { return e.msg }

// mutateFunc mutates a Bot row in response to a successful proxied call,
// keeping the persisted record consistent with the bot's live state.
type mutateFunc func(bot *store.Bot, body map[string]interface{}, result map[string]interface{})

func mutateState(state store.BotState) mutateFunc {
	return func(bot *store.Bot, body, result map[string]interface{}) {
		bot.State = state
	}
}

func mutateExchange(bot *store.Bot, body, result map[string]interface{}) {
	if name, ok := body["name"].(string); ok && name != "" {
		bot.Exchange = name
	}
	mergeIntoConfiguration(bot, body)
}

func mutateConfiguration(bot *store.Bot, body, result map[string]interface{}) {
	mergeIntoConfiguration(bot, body)
}

func mergeIntoConfiguration(bot *store.Bot, body map[string]interface{}) {
	if bot.Configuration == nil {
		bot.Configuration = store.BotConfig{}
	}
	for k, v := range body {
		bot.Configuration[k] = v
	}
}

// proxyGet builds a handler that resolves+authorizes a bot, invokes call
// against that bot's client, validates the response shape, optionally
// mutates the Bot row, and writes the result back verbatim.
func (s *Server) proxyGet(call func(c *botclient.Client, r *http.Request) (interface{}, error), kind schemaKind, mutate mutateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot, ok := s.resolveBot(w, r)
		if !ok {
			return
		}
		client := s.clientOf(bot.APIURL)
		result, err := call(client, r)
		if !s.finishProxy(w, r, bot, result, err, kind, mutate, nil) {
			return
		}
	}
}

// proxyBody is proxyGet's counterpart for endpoints that take a JSON
// request body, which is also handed to mutate so settings-style updates
// can be applied even when the upstream's response body doesn't echo them.
func (s *Server) proxyBody(call func(c *botclient.Client, r *http.Request, body map[string]interface{}) (interface{}, error), kind schemaKind, mutate mutateFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		bot, ok := s.resolveBot(w, r)
		if !ok {
			return
		}
		var body map[string]interface{}
		if !decodeBody(w, r, &body) {
			return
		}
		client := s.clientOf(bot.APIURL)
		result, err := call(client, r, body)
		if !s.finishProxy(w, r, bot, result, err, kind, mutate, body) {
			return
		}
	}
}

func (s *Server) finishProxy(w http.ResponseWriter, r *http.Request, bot *store.Bot, result interface{}, err error, kind schemaKind, mutate mutateFunc, body map[string]interface{}) bool {
	if err != nil {
		s.handleProxyError(w, r, err)
		return false
	}

	if err := validateSchema(kind, result); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]interface{}{
			"error":    "response failed schema validation",
			"detail":   err.Error(),
			"upstream": result,
		})
		return false
	}

	if mutate != nil {
		resultMap, _ := result.(map[string]interface{})
		mutate(bot, body, resultMap)
		s.commitBot(r.Context(), bot)
	}

	writeJSON(w, http.StatusOK, result)
	return true
}

// handleProxyError relays a bot API error status as 400 with its own
// error body; any other transport failure is a 502. Upstream errors are
// never retried here, since blindly repeating a state-changing call risks
// a duplicate order; transport-level retry already happened inside the
// bot client.
func (s *Server) handleProxyError(w http.ResponseWriter, r *http.Request, err error) {
	if apiErr, ok := err.(*botclient.APIError); ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		if len(apiErr.Body) > 0 {
			_, _ = w.Write(apiErr.Body)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": apiErr.Error()})
		return
	}
	logger.GetLogger(r.Context()).Warn("proxied bot call failed", zap.Error(err))
	writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body: " + err.Error()})
		return false
	}
	return true
}
