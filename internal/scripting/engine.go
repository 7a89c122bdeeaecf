package scripting

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/l1jgo/ghostnet/internal/changemask"
	"github.com/l1jgo/ghostnet/internal/ghost"
	"github.com/l1jgo/ghostnet/internal/schema"
	"github.com/l1jgo/ghostnet/internal/tick"
	lua "github.com/yuin/gopher-lua"
	"go.uber.org/zap"
)

// ErrNoStep is returned when no script defines the global step function.
var ErrNoStep = errors.New("lua function step not defined")

// Engine wraps a single gopher-lua VM running ghost simulation scripts.
// Single-goroutine access only (simulation phase).
//
// Scripts define
//
//	function step(type_name, tick, state, input, owner)
//
// and mutate state in place. state maps "Component.field" to a number or
// boolean, buffers to arrays of element tables, and state._enabled maps
// enableable component names to booleans. input is nil or an array of
// numbers with input.tick set.
type Engine struct {
	vm     *lua.LState
	log    *zap.Logger
	tables map[*schema.Layout]*lua.LTable
	calls  int
}

// NewEngine creates a Lua engine and loads all scripts from the given directory.
func NewEngine(scriptsDir string, log *zap.Logger) (*Engine, error) {
	vm := lua.NewState(lua.Options{
		SkipOpenLibs: false,
	})

	vm.SetGlobal("API_VERSION", lua.LNumber(1))

	e := &Engine{vm: vm, log: log, tables: make(map[*schema.Layout]*lua.LTable)}

	// Core helpers first, then simulation scripts.
	for _, sub := range []string{"core", "sim"} {
		p := filepath.Join(scriptsDir, sub)
		if err := e.loadDir(p); err != nil {
			vm.Close()
			return nil, fmt.Errorf("load %s scripts: %w", sub, err)
		}
	}

	return e, nil
}

// loadDir loads all .lua files in a directory.
func (e *Engine) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // skip missing dirs
		}
		return err
	}
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".lua" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := e.vm.DoFile(path); err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		e.log.Debug("loaded lua script", zap.String("file", path))
	}
	return nil
}

// DoString runs a chunk of Lua source in the engine's VM.
func (e *Engine) DoString(src string) error {
	if err := e.vm.DoString(src); err != nil {
		return fmt.Errorf("lua: %w", err)
	}
	return nil
}

// HasStep reports whether a step function is defined.
func (e *Engine) HasStep() bool {
	return e.vm.GetGlobal("step").Type() == lua.LTFunction
}

// Calls returns how many steps ran.
func (e *Engine) Calls() int { return e.calls }

func (e *Engine) Close() {
	e.vm.Close()
}

// Step advances st by one tick through the script's step function.
func (e *Engine) Step(t tick.Tick, info *ghost.Info, st *ghost.State, in *ghost.Input) error {
	fn := e.vm.GetGlobal("step")
	if fn.Type() != lua.LTFunction {
		return ErrNoStep
	}
	l := st.Layout
	state := e.pushState(st)
	input := lua.LValue(lua.LNil)
	if in != nil {
		it := e.vm.CreateTable(len(in.Data), 1)
		for i, v := range in.Data {
			it.RawSetInt(i+1, lua.LNumber(v))
		}
		it.RawSetString("tick", lua.LNumber(in.Tick.Value()))
		input = it
	}

	e.calls++
	if err := e.vm.CallByParam(lua.P{
		Fn:      fn,
		NRet:    0,
		Protect: true,
	}, lua.LString(l.Name), lua.LNumber(t.Value()), state, input, lua.LNumber(info.Owner)); err != nil {
		return fmt.Errorf("lua step %s at %s: %w", l.Name, t, err)
	}
	return e.pullState(state, st)
}

func (e *Engine) pushState(st *ghost.State) *lua.LTable {
	l := st.Layout
	tbl, ok := e.tables[l]
	if !ok {
		tbl = e.vm.CreateTable(0, len(l.Fields)+1)
		e.tables[l] = tbl
	}
	for f := range l.Fields {
		fl := &l.Fields[f]
		if fl.Kind == schema.KindBuffer {
			tbl.RawSetString(fl.Name, e.pushBuffer(st, f))
			continue
		}
		tbl.RawSetString(fl.Name, scalarToLua(fl.Kind, fl.Quantization, st.Values[f]))
	}
	if l.EnableBits > 0 {
		enabled := e.vm.CreateTable(0, l.EnableBits)
		for c := range l.Components {
			if l.Components[c].EnableBit >= 0 {
				enabled.RawSetString(l.Components[c].Name, lua.LBool(st.ComponentEnabled(c)))
			}
		}
		tbl.RawSetString("_enabled", enabled)
	}
	return tbl
}

func (e *Engine) pushBuffer(st *ghost.State, f int) *lua.LTable {
	b := &st.Layout.Buffers[st.Layout.Fields[f].Buffer]
	n := st.BufferLen(f)
	arr := e.vm.CreateTable(n, 0)
	for i := 0; i < n; i++ {
		el := e.vm.CreateTable(0, len(b.Element))
		for k, ef := range b.Element {
			el.RawSetString(ef.Name, scalarToLua(ef.Kind, ef.Quantization, st.Element(f, i, k)))
		}
		arr.RawSetInt(i+1, el)
	}
	return arr
}

func (e *Engine) pullState(tbl *lua.LTable, st *ghost.State) error {
	l := st.Layout
	for f := range l.Fields {
		fl := &l.Fields[f]
		v := tbl.RawGetString(fl.Name)
		if fl.Kind == schema.KindBuffer {
			if err := pullBuffer(v, st, f); err != nil {
				return err
			}
			continue
		}
		w, err := scalarFromLua(fl.Kind, fl.Quantization, v)
		if err != nil {
			return fmt.Errorf("%s.%s: %w", l.Name, fl.Name, err)
		}
		st.Values[f] = w
	}
	if enabled, ok := tbl.RawGetString("_enabled").(*lua.LTable); ok {
		for c := range l.Components {
			if l.Components[c].EnableBit < 0 {
				continue
			}
			st.SetComponentEnabled(c, lua.LVAsBool(enabled.RawGetString(l.Components[c].Name)))
		}
	}
	return nil
}

func pullBuffer(v lua.LValue, st *ghost.State, f int) error {
	fl := &st.Layout.Fields[f]
	arr, ok := v.(*lua.LTable)
	if !ok {
		return fmt.Errorf("%s.%s: buffer must be a table, got %s", st.Layout.Name, fl.Name, v.Type())
	}
	b := &st.Layout.Buffers[fl.Buffer]
	n := arr.Len()
	st.SetBufferLen(f, n)
	for i := 0; i < n; i++ {
		el, ok := arr.RawGetInt(i + 1).(*lua.LTable)
		if !ok {
			return fmt.Errorf("%s.%s[%d]: element must be a table", st.Layout.Name, fl.Name, i+1)
		}
		for k, ef := range b.Element {
			w, err := scalarFromLua(ef.Kind, ef.Quantization, el.RawGetString(ef.Name))
			if err != nil {
				return fmt.Errorf("%s.%s[%d].%s: %w", st.Layout.Name, fl.Name, i+1, ef.Name, err)
			}
			st.SetElement(f, i, k, w)
		}
	}
	return nil
}

func scalarToLua(k schema.Kind, q float32, w uint32) lua.LValue {
	switch k {
	case schema.KindBool:
		return lua.LBool(w != 0)
	case schema.KindInt:
		return lua.LNumber(int32(w))
	case schema.KindFloat:
		return lua.LNumber(math.Float32frombits(w))
	case schema.KindQuantized:
		return lua.LNumber(changemask.Dequantize(int32(w), q))
	default:
		return lua.LNumber(w)
	}
}

func scalarFromLua(k schema.Kind, q float32, v lua.LValue) (uint32, error) {
	if k == schema.KindBool {
		return boolWord(lua.LVAsBool(v)), nil
	}
	n, ok := v.(lua.LNumber)
	if !ok {
		return 0, fmt.Errorf("expected number, got %s", v.Type())
	}
	switch k {
	case schema.KindInt:
		return uint32(int32(int64(n))), nil
	case schema.KindFloat:
		return math.Float32bits(float32(n)), nil
	case schema.KindQuantized:
		return uint32(changemask.Quantize(float32(n), q)), nil
	default:
		return uint32(int64(n)), nil
	}
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
