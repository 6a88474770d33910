package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"reflect"
	"regexp"
	"strings"
	"testing/fstest"
	"time"

	"TradeSentinel/internal/model"

	"github.com/traefik/yaegi/interp"
)

// EntryPoint is the function every rule must declare:
//
//	func Match(symbol string, snap indicators.Snapshot) bool
const EntryPoint = "Match"

var (
	// ErrCompile marks rule code that failed to compile or lacks the entry point.
	ErrCompile = errors.New("rule compile failed")
	// ErrDeadline marks an evaluation that ran past its deadline.
	ErrDeadline = errors.New("rule evaluation deadline exceeded")
	// ErrRuntime marks a panic or runtime failure inside rule code.
	ErrRuntime = errors.New("rule evaluation failed")
)

// Evaluator runs a compiled rule for one symbol.
type Evaluator interface {
	Evaluate(ctx context.Context, symbol string, snap model.Snapshot) (bool, error)
}

// Sandbox compiles tenant rule code into isolated interpreters.
type Sandbox struct {
	// Timeout is the hard deadline of a single evaluation.
	Timeout time.Duration
	// PoolSize caps idle interpreters kept per rule.
	PoolSize int
}

// NewSandbox creates a sandbox with the given evaluation deadline and pool size.
func NewSandbox(timeout time.Duration, poolSize int) *Sandbox {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Sandbox{Timeout: timeout, PoolSize: poolSize}
}

// Load compiles code. Errors wrap ErrCompile and carry the interpreter diagnostic.
func (s *Sandbox) Load(code string) (Evaluator, error) {
	r := &Rule{
		code:    stripPackageClause(code),
		timeout: s.Timeout,
		pool:    make(chan *instance, s.PoolSize),
	}
	inst, err := r.compile()
	if err != nil {
		return nil, err
	}
	r.pool <- inst
	return r, nil
}

// Rule is a compiled tenant rule. Evaluate is safe for concurrent use; each call
// borrows its own interpreter.
type Rule struct {
	code    string
	timeout time.Duration
	pool    chan *instance
}

type instance struct {
	in *interp.Interpreter
	// inputs read by the call expression through package ruleinput
	symbol string
	snap   model.Snapshot
}

const callExpr = EntryPoint + "(ruleinput.Symbol(), ruleinput.Snapshot())"

var packageClause = regexp.MustCompile(`^\s*package\s+main\s*;?`)

func stripPackageClause(code string) string {
	return packageClause.ReplaceAllString(code, "")
}

func (r *Rule) compile() (*instance, error) {
	inst := &instance{}
	in := interp.New(interp.Options{
		GoPath:               "/nonexistent",
		Stdin:                strings.NewReader(""),
		Stdout:               io.Discard,
		Stderr:               io.Discard,
		SourcecodeFilesystem: fstest.MapFS{},
	})
	if err := in.Use(sandboxStdlib()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	if err := in.Use(helperSymbols()); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	if err := in.Use(interp.Exports{
		"ruleinput/ruleinput": {
			"Symbol":   reflect.ValueOf(func() string { return inst.symbol }),
			"Snapshot": reflect.ValueOf(func() model.Snapshot { return inst.snap }),
		},
	}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}

	if _, err := in.Eval(r.code); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	fn, err := in.Eval(EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("%w: missing func %s: %v", ErrCompile, EntryPoint, err)
	}
	if fn.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %s is not a function", ErrCompile, EntryPoint)
	}
	if _, ok := fn.Interface().(func(string, model.Snapshot) bool); !ok {
		return nil, fmt.Errorf("%w: %s must be func(string, indicators.Snapshot) bool, got %s", ErrCompile, EntryPoint, fn.Type())
	}
	if _, err := in.Eval(`import "ruleinput"`); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCompile, err)
	}
	inst.in = in
	return inst, nil
}

func (r *Rule) acquire() (*instance, error) {
	select {
	case inst := <-r.pool:
		return inst, nil
	default:
		return r.compile()
	}
}

func (r *Rule) release(inst *instance) {
	inst.snap = model.Snapshot{}
	select {
	case r.pool <- inst:
	default:
	}
}

// Evaluate runs the rule under the sandbox deadline. Interpreters that time out or
// panic are discarded.
func (r *Rule) Evaluate(ctx context.Context, symbol string, snap model.Snapshot) (matched bool, err error) {
	inst, err := r.acquire()
	if err != nil {
		return false, err
	}
	inst.symbol, inst.snap = symbol, snap

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	healthy := false
	defer func() {
		if p := recover(); p != nil {
			matched, err = false, fmt.Errorf("%w: panic: %v", ErrRuntime, p)
		}
		if healthy {
			r.release(inst)
		}
	}()

	v, err := inst.in.EvalWithContext(ctx, callExpr)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return false, fmt.Errorf("%w after %s", ErrDeadline, r.timeout)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	if !v.IsValid() || v.Kind() != reflect.Bool {
		return false, fmt.Errorf("%w: %s returned %v", ErrRuntime, EntryPoint, v)
	}
	healthy = true
	return v.Bool(), nil
}
