package processor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"

	"classwatch/internal/config"
	"classwatch/internal/models"
)

// ErrAlertRejected is returned when a JavaScript transform function rejects an
// alert by returning null or undefined
var ErrAlertRejected = errors.New("alert rejected by transformer")

// Transformer rewrites alerts before they are published
type Transformer struct {
	config   *config.ProcessorConfig
	logger   *logrus.Logger
	rules    []*RuleMatcher
	jsScript string     // Cached script content
	natsConn *nats.Conn // NATS connection for JavaScript bindings
}

// RuleMatcher matches alerts by course and program and rewrites their snapshots
type RuleMatcher struct {
	course    string
	program   string
	include   map[string]bool
	exclude   map[string]bool
	rename    map[string]string
	addFields map[string]string
}

// NewTransformer creates a new transformer with the given configuration
func NewTransformer(cfg *config.ProcessorConfig, logger *logrus.Logger, natsConn *nats.Conn) (*Transformer, error) {
	transformer := &Transformer{
		config:   cfg,
		logger:   logger,
		rules:    []*RuleMatcher{},
		natsConn: natsConn,
	}
	if cfg == nil || !cfg.Enabled {
		return transformer, nil
	}

	if cfg.Script != "" {
		scriptContent, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, fmt.Errorf("failed to read JavaScript script file: %w", err)
		}
		if err := transformer.LoadScript(string(scriptContent)); err != nil {
			return nil, err
		}
		logger.Infof("Loaded JavaScript transformation script: %s", cfg.Script)
	}

	for _, rule := range cfg.Rules {
		matcher := &RuleMatcher{
			course:    rule.Course,
			program:   rule.Program,
			include:   make(map[string]bool),
			exclude:   make(map[string]bool),
			rename:    make(map[string]string),
			addFields: rule.AddFields,
		}
		for _, field := range rule.Include {
			matcher.include[strings.ToLower(field)] = true
		}
		for _, field := range rule.Exclude {
			matcher.exclude[strings.ToLower(field)] = true
		}
		for from, to := range rule.Rename {
			matcher.rename[strings.ToLower(from)] = to
		}
		transformer.rules = append(transformer.rules, matcher)
	}

	return transformer, nil
}

// LoadScript validates and installs a JavaScript transform script
func (t *Transformer) LoadScript(scriptContent string) error {
	if _, err := t.compile(goja.New(), scriptContent); err != nil {
		return fmt.Errorf("invalid JavaScript script: %w", err)
	}
	t.jsScript = scriptContent
	return nil
}

// compile runs the script and returns its transform function. The script may
// evaluate to a function or define a function named transform.
func (t *Transformer) compile(vm *goja.Runtime, scriptContent string) (goja.Callable, error) {
	result, err := vm.RunString(scriptContent)
	if err != nil {
		return nil, fmt.Errorf("failed to execute script: %w", err)
	}

	if result != nil && !goja.IsUndefined(result) && !goja.IsNull(result) {
		if fn, ok := goja.AssertFunction(result); ok {
			return fn, nil
		}
	}

	transformVar := vm.Get("transform")
	if transformVar != nil && !goja.IsUndefined(transformVar) && !goja.IsNull(transformVar) {
		if fn, ok := goja.AssertFunction(transformVar); ok {
			return fn, nil
		}
	}

	return nil, fmt.Errorf("script must export a function (either anonymous function or named 'transform' function)")
}

// Transform applies the configured script or rules to an alert
func (t *Transformer) Transform(alert *models.Alert) (*models.Alert, error) {
	if t.jsScript != "" {
		return t.transformWithJavaScript(alert)
	}
	if t.config == nil || !t.config.Enabled {
		return alert, nil
	}
	if len(t.rules) > 0 {
		return t.transformWithRules(alert)
	}
	return alert, nil
}

func (t *Transformer) transformWithJavaScript(alert *models.Alert) (*models.Alert, error) {
	alertJSON, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert to JSON: %w", err)
	}

	t.logger.Debugf("Transforming alert %s with JavaScript", alert.ID)

	// goja.Runtime is not goroutine safe, so every call gets its own.
	vm := goja.New()

	if err := t.setupConsoleBindings(vm); err != nil {
		return nil, fmt.Errorf("failed to setup console bindings: %w", err)
	}
	if t.natsConn != nil {
		if err := t.setupNATSBindings(vm); err != nil {
			return nil, fmt.Errorf("failed to setup NATS bindings: %w", err)
		}
	}

	callable, err := t.compile(vm, t.jsScript)
	if err != nil {
		return nil, err
	}

	if err := vm.Set("alertJSON", string(alertJSON)); err != nil {
		return nil, fmt.Errorf("failed to set alert JSON: %w", err)
	}
	alertObj, err := vm.RunString("JSON.parse(alertJSON)")
	if err != nil {
		return nil, fmt.Errorf("failed to parse alert JSON: %w", err)
	}

	result, err := callable(goja.Undefined(), alertObj)
	if err != nil {
		t.logger.Errorf("JavaScript transform function error: %v", err)
		return nil, fmt.Errorf("JavaScript transform function error: %w", err)
	}

	if result == nil || goja.IsUndefined(result) || goja.IsNull(result) {
		t.logger.Infof("Alert %s rejected by JavaScript transformer", alert.ID)
		return nil, ErrAlertRejected
	}

	resultJSON, err := json.Marshal(result.Export())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	// The raw JSON keeps anything the script added beyond the known fields.
	var transformed models.Alert
	if err := json.Unmarshal(resultJSON, &transformed); err != nil {
		return nil, fmt.Errorf("failed to unmarshal result: %w", err)
	}
	transformed.RawJSON = resultJSON

	t.logger.Debugf("JavaScript transformation result: %s", string(resultJSON))
	return &transformed, nil
}

func (t *Transformer) transformWithRules(alert *models.Alert) (*models.Alert, error) {
	var matchedRule *RuleMatcher
	for _, rule := range t.rules {
		if rule.matches(alert.Query) {
			matchedRule = rule
			break
		}
	}
	if matchedRule == nil {
		return alert, nil
	}

	doc, err := toMap(alert)
	if err != nil {
		return nil, err
	}

	for _, key := range []string{"previous", "current"} {
		record, ok := doc[key].(map[string]interface{})
		if !ok {
			continue
		}
		snapshot, _ := record["snapshot"].(map[string]interface{})
		record["snapshot"] = t.transformSnapshot(snapshot, matchedRule)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal transformed alert: %w", err)
	}

	transformed := *alert
	transformed.RawJSON = data
	return &transformed, nil
}

// transformSnapshot applies a rule to one snapshot's fields
func (t *Transformer) transformSnapshot(snapshot map[string]interface{}, rule *RuleMatcher) map[string]interface{} {
	transformed := make(map[string]interface{})

	for key, value := range rule.addFields {
		transformed[key] = value
	}

	for key, value := range snapshot {
		keyLower := strings.ToLower(key)

		if len(rule.exclude) > 0 && rule.exclude[keyLower] {
			continue
		}
		if len(rule.include) > 0 && !rule.include[keyLower] {
			continue
		}

		outputKey := key
		if newName, ok := rule.rename[keyLower]; ok {
			outputKey = newName
		}
		transformed[outputKey] = value
	}

	return transformed
}

// matches checks if a rule applies to the query (empty = all)
func (r *RuleMatcher) matches(q models.Query) bool {
	if r.course != "" && !strings.EqualFold(r.course, q.Course) {
		return false
	}
	if r.program != "" && !strings.EqualFold(r.program, q.Program) {
		return false
	}
	return true
}

func toMap(alert *models.Alert) (map[string]interface{}, error) {
	data, err := json.Marshal(alert)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal alert: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal alert: %w", err)
	}
	return doc, nil
}

// setupConsoleBindings routes console.* calls to the logger
func (t *Transformer) setupConsoleBindings(vm *goja.Runtime) error {
	consoleObj := vm.NewObject()

	formatArgs := func(call goja.FunctionCall) string {
		args := make([]interface{}, len(call.Arguments))
		for i, arg := range call.Arguments {
			args[i] = arg.Export()
		}
		return fmt.Sprint(args...)
	}

	bindings := map[string]func(args ...interface{}){
		"log":   t.logger.Info,
		"info":  t.logger.Info,
		"warn":  t.logger.Warn,
		"error": t.logger.Error,
		"debug": t.logger.Debug,
	}
	for name, logFn := range bindings {
		logFn := logFn
		fn := func(call goja.FunctionCall) goja.Value {
			logFn(formatArgs(call))
			return goja.Undefined()
		}
		if err := consoleObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set console.%s: %w", name, err)
		}
	}

	if err := vm.Set("console", consoleObj); err != nil {
		return fmt.Errorf("failed to set console object: %w", err)
	}
	return nil
}

// setupNATSBindings exposes nats.publish and the nats.kv helpers to scripts
func (t *Transformer) setupNATSBindings(vm *goja.Runtime) error {
	natsObj := vm.NewObject()

	toBytes := func(fn string, arg goja.Value) []byte {
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			panic(vm.NewTypeError("%s: value is required", fn))
		}
		switch v := arg.Export().(type) {
		case string:
			return []byte(v)
		case []byte:
			return v
		default:
			data, err := json.Marshal(v)
			if err != nil {
				panic(vm.NewTypeError("%s: failed to marshal value: %v", fn, err))
			}
			return data
		}
	}

	publishFn := func(call goja.FunctionCall) goja.Value {
		subject := call.Argument(0).String()
		if subject == "" {
			panic(vm.NewTypeError("nats.publish: subject is required"))
		}
		if err := t.natsConn.Publish(subject, toBytes("nats.publish", call.Argument(1))); err != nil {
			t.logger.Errorf("NATS publish error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Published to NATS subject: %s", subject)
		return goja.Undefined()
	}
	if err := natsObj.Set("publish", publishFn); err != nil {
		return fmt.Errorf("failed to set publish function: %w", err)
	}

	getKVStore := func(bucket string) nats.KeyValue {
		js, err := t.natsConn.JetStream()
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get JetStream context: %w", err)))
		}
		kv, err := js.KeyValue(bucket)
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("failed to get KV store '%s': %w", bucket, err)))
		}
		return kv
	}

	keyArgs := func(fn string, call goja.FunctionCall) (string, string) {
		bucket := call.Argument(0).String()
		key := call.Argument(1).String()
		if bucket == "" || key == "" {
			panic(vm.NewTypeError("%s: bucket and key are required", fn))
		}
		return bucket, key
	}

	kvObj := vm.NewObject()
	kvGetFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := keyArgs("nats.kv.get", call)
		entry, err := getKVStore(bucket).Get(key)
		if errors.Is(err, nats.ErrKeyNotFound) {
			return goja.Null()
		}
		if err != nil {
			t.logger.Errorf("KV get error: %v", err)
			panic(vm.NewGoError(err))
		}
		return vm.ToValue(string(entry.Value()))
	}
	kvPutFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := keyArgs("nats.kv.put", call)
		if _, err := getKVStore(bucket).Put(key, toBytes("nats.kv.put", call.Argument(2))); err != nil {
			t.logger.Errorf("KV put error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Put to KV store '%s' key '%s'", bucket, key)
		return goja.Undefined()
	}
	kvDeleteFn := func(call goja.FunctionCall) goja.Value {
		bucket, key := keyArgs("nats.kv.delete", call)
		if err := getKVStore(bucket).Delete(key); err != nil {
			t.logger.Errorf("KV delete error: %v", err)
			panic(vm.NewGoError(err))
		}
		t.logger.Debugf("Deleted from KV store '%s' key '%s'", bucket, key)
		return goja.Undefined()
	}

	for name, fn := range map[string]func(goja.FunctionCall) goja.Value{
		"get":    kvGetFn,
		"put":    kvPutFn,
		"delete": kvDeleteFn,
	} {
		if err := kvObj.Set(name, fn); err != nil {
			return fmt.Errorf("failed to set KV %s function: %w", name, err)
		}
	}

	if err := natsObj.Set("kv", kvObj); err != nil {
		return fmt.Errorf("failed to set KV object: %w", err)
	}
	if err := vm.Set("nats", natsObj); err != nil {
		return fmt.Errorf("failed to set nats object: %w", err)
	}
	return nil
}
