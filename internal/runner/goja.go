package runner

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/jkaninda/devconsole/internal/serialize"
)

const sourceGlobal = "__devconsole_src"

// JSConfig configures the JavaScript runner.
type JSConfig struct {
	// Timeout interrupts a running script. Zero means no limit.
	Timeout time.Duration
}

// JSRunner runs code as the body of a JavaScript function using goja.
// Each Run uses a fresh runtime, so no state survives between executions.
type JSRunner struct {
	cfg JSConfig
}

// NewJSRunner creates a JavaScript runner.
func NewJSRunner(cfg JSConfig) *JSRunner {
	return &JSRunner{cfg: cfg}
}

type interruptReason struct{ err error }

// Run compiles code with new Function("code", code) and calls the result
// with no arguments. Syntax errors and thrown values are Raised outcomes.
func (r *JSRunner) Run(ctx context.Context, code string, env Env) Outcome {
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	vm := goja.New()

	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		select {
		case <-ctx.Done():
			vm.Interrupt(interruptReason{err: ctx.Err()})
		case <-done:
		}
	}()
	// The result is walked lazily after Run returns, so the runtime must be
	// left without a pending interrupt.
	defer func() {
		close(done)
		<-stopped
		vm.ClearInterrupt()
	}()

	if err := installGlobals(vm, env); err != nil {
		return Raised(&HostError{Name: "InternalError", Message: err.Error()})
	}

	if err := vm.Set(sourceGlobal, code); err != nil {
		return Raised(&HostError{Name: "InternalError", Message: err.Error()})
	}
	fnValue, err := vm.RunString("new Function('code', " + sourceGlobal + ")")
	_ = vm.GlobalObject().Delete(sourceGlobal)
	if err != nil {
		return raisedFromError(err)
	}

	fn, ok := goja.AssertFunction(fnValue)
	if !ok {
		return Raised(&HostError{Name: "InternalError", Message: "compiled code is not callable"})
	}
	result, err := fn(goja.Undefined())
	if err != nil {
		return raisedFromError(err)
	}
	return Returned(wrap(result))
}

func raisedFromError(err error) Outcome {
	var exc *goja.Exception
	if errors.As(err, &exc) {
		return Raised(wrap(exc.Value()))
	}
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		msg := "execution interrupted"
		if reason, ok := interrupted.Value().(interruptReason); ok && reason.err != nil {
			if errors.Is(reason.err, context.DeadlineExceeded) {
				msg = "execution timed out"
			} else {
				msg = "execution cancelled"
			}
		}
		return Raised(&HostError{Name: "InterruptedError", Message: msg})
	}
	return Raised(&HostError{Name: "InternalError", Message: err.Error()})
}

func installGlobals(vm *goja.Runtime, env Env) error {
	headers := vm.NewObject()
	for k, v := range env.Request.Headers {
		if err := headers.Set(strings.ToLower(k), v); err != nil {
			return fmt.Errorf("set header %q: %w", k, err)
		}
	}

	request := vm.NewObject()
	for name, value := range map[string]any{
		"method":      env.Request.Method,
		"path":        env.Request.Path,
		"queryString": env.Request.RawQuery,
		"headers":     headers,
		"https":       env.Request.Secure,
	} {
		if err := request.Set(name, value); err != nil {
			return fmt.Errorf("set request.%s: %w", name, err)
		}
	}
	if err := vm.Set("request", request); err != nil {
		return fmt.Errorf("set request: %w", err)
	}

	session := vm.NewObject()
	if err := session.Set("id", env.Request.SessionID); err != nil {
		return fmt.Errorf("set session.id: %w", err)
	}
	custom := vm.NewDynamicObject(&sessionCustom{vm: vm, binding: env.Session, extra: map[string]goja.Value{}})
	if err := session.Set("custom", custom); err != nil {
		return fmt.Errorf("set session.custom: %w", err)
	}
	if err := vm.Set("session", session); err != nil {
		return fmt.Errorf("set session: %w", err)
	}
	return nil
}

// sessionCustom backs session.custom. The consoleAllowed key reads and
// writes the session binding; other keys live for one execution only.
type sessionCustom struct {
	vm      *goja.Runtime
	binding SessionBinding
	extra   map[string]goja.Value
	order   []string
}

const consoleAllowedKey = "consoleAllowed"

func (s *sessionCustom) Get(key string) goja.Value {
	if key == consoleAllowedKey {
		if s.binding == nil {
			return goja.Undefined()
		}
		return s.vm.ToValue(s.binding.ConsoleAllowed())
	}
	if v, ok := s.extra[key]; ok {
		return v
	}
	return nil
}

func (s *sessionCustom) Set(key string, val goja.Value) bool {
	if key == consoleAllowedKey {
		if s.binding == nil {
			return false
		}
		s.binding.SetConsoleAllowed(val.ToBoolean())
		return true
	}
	if _, ok := s.extra[key]; !ok {
		s.order = append(s.order, key)
	}
	s.extra[key] = val
	return true
}

func (s *sessionCustom) Has(key string) bool {
	if key == consoleAllowedKey {
		return s.binding != nil
	}
	_, ok := s.extra[key]
	return ok
}

func (s *sessionCustom) Delete(key string) bool {
	if key == consoleAllowedKey {
		return false
	}
	if _, ok := s.extra[key]; !ok {
		return true
	}
	delete(s.extra, key)
	for i, k := range s.order {
		if k == key {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

func (s *sessionCustom) Keys() []string {
	keys := make([]string, 0, len(s.order)+1)
	if s.binding != nil {
		keys = append(keys, consoleAllowedKey)
	}
	return append(keys, s.order...)
}

// jsValue lets the serializer walk goja values without exporting them.
type jsValue struct {
	v goja.Value
}

func wrap(v goja.Value) jsValue {
	return jsValue{v: v}
}

func (j jsValue) Shape() serialize.Shape {
	v := j.v
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return serialize.Shape{Kind: serialize.KindPrimitive}
	}
	obj, ok := v.(*goja.Object)
	if !ok {
		return primitiveShape(v)
	}

	switch obj.ClassName() {
	case "Array":
		n := int(obj.Get("length").ToInteger())
		return serialize.Shape{
			Kind: serialize.KindSequence,
			ID:   obj,
			Len:  n,
			Index: func(i int) (any, error) {
				return j.child(obj.Get(strconv.Itoa(i))), nil
			},
		}
	case "Error":
		return j.errorShape(obj)
	case "Date":
		return serialize.Shape{Kind: serialize.KindDate, Text: dateText(obj)}
	case "Function":
		return serialize.Shape{Kind: serialize.KindFunction, Text: functionSignature(obj)}
	case "String", "Number", "Boolean":
		return primitiveShape(obj.Export())
	case "RegExp", "Symbol":
		return serialize.Shape{Kind: serialize.KindUnknown, Text: obj.String()}
	}
	return serialize.Shape{
		Kind:  serialize.KindMapping,
		ID:    obj,
		Keys:  obj.Keys(),
		Field: j.field(obj),
	}
}

// errorShape reads name, message and stack one at a time so a throwing
// getter only costs its own field.
func (j jsValue) errorShape(obj *goja.Object) serialize.Shape {
	s := serialize.Shape{
		Kind:  serialize.KindError,
		ID:    obj,
		Keys:  obj.Keys(),
		Field: j.field(obj),
	}
	for _, p := range []struct {
		key string
		dst *string
	}{
		{"name", &s.Name},
		{"message", &s.Text},
		{"stack", &s.Stack},
	} {
		v, ok := stringProp(obj, p.key)
		if !ok {
			s.Failed = append(s.Failed, p.key)
			continue
		}
		*p.dst = v
	}
	if s.Name == "" && !failed(s.Failed, "name") {
		s.Name = "Error"
	}
	return s
}

func failed(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

func (j jsValue) field(obj *goja.Object) func(string) (any, error) {
	return func(key string) (any, error) {
		return j.child(obj.Get(key)), nil
	}
}

func (j jsValue) child(v goja.Value) jsValue {
	return jsValue{v: v}
}

func primitiveShape(v any) serialize.Shape {
	if gv, ok := v.(goja.Value); ok {
		if sym, isSym := gv.(*goja.Symbol); isSym {
			return serialize.Shape{Kind: serialize.KindUnknown, Text: "Symbol(" + sym.String() + ")"}
		}
		v = gv.Export()
	}
	switch x := v.(type) {
	case nil, bool, string, int64, float64:
		return serialize.Shape{Kind: serialize.KindPrimitive, Scalar: x}
	case int:
		return serialize.Shape{Kind: serialize.KindPrimitive, Scalar: int64(x)}
	default:
		return serialize.Shape{Kind: serialize.KindUnknown, Text: fmt.Sprint(x)}
	}
}

// stringProp reports ok=false when reading the property throws.
func stringProp(obj *goja.Object, name string) (text string, ok bool) {
	defer func() {
		if recover() != nil {
			text, ok = "", false
		}
	}()
	v := obj.Get(name)
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return "", true
	}
	return v.String(), true
}

func dateText(obj *goja.Object) (text string) {
	defer func() {
		if recover() != nil {
			text = obj.String()
		}
	}()
	if iso, ok := goja.AssertFunction(obj.Get("toISOString")); ok {
		if v, err := iso(obj); err == nil {
			return v.String()
		}
	}
	return obj.String()
}

// functionSignature keeps the declaration up to the body.
func functionSignature(obj *goja.Object) string {
	src := obj.String()
	if i := strings.Index(src, "{"); i > 0 {
		src = src[:i]
	}
	return strings.TrimSpace(src)
}
