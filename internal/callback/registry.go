// Package callback lets kernels notify the host while they run.
//
// Every registered callback gets a device-side helper function that
// stores its parameters into a shared Callback struct and sets the
// struct's flag to the callback ID. A host-side Listener polls the flag,
// decodes the parameters and invokes the Go handler.
package callback

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"sync"
)

// ParamType is a callback parameter type.
type ParamType int

const (
	Float ParamType = iota
	Double
	Int
)

// CType is the device-side type name.
func (t ParamType) CType() string {
	switch t {
	case Float:
		return "float"
	case Double:
		return "double"
	case Int:
		return "int"
	}
	return fmt.Sprintf("ParamType(%d)", int(t))
}

// Size is the payload size of a parameter in bytes.
func (t ParamType) Size() int {
	if t == Double {
		return 8
	}
	return 4
}

func (t ParamType) valid() bool { return t >= Float && t <= Int }

// Handler receives the decoded parameters: float32, float64 or int32
// values in declaration order.
type Handler func(args []any)

var (
	ErrInvalidName   = errors.New("callback: invalid name")
	ErrDuplicate     = errors.New("callback: duplicate name")
	ErrInvalidType   = errors.New("callback: invalid parameter type")
	ErrUnknownID     = errors.New("callback: unknown id")
	ErrShortPayload  = errors.New("callback: payload too short")
	ErrArgumentCount = errors.New("callback: wrong number of arguments")
)

var identRe = regexp.MustCompile(`^[_A-Za-z][_A-Za-z0-9]*$`)

// flagSize is the size of the flag word in front of the payload.
const flagSize = 4

type entry struct {
	id      uint32
	name    string
	types   []ParamType
	size    int
	handler Handler
}

// Registry holds the registered callbacks. IDs start at 1; 0 means no
// pending notification.
type Registry struct {
	mu      sync.RWMutex
	byID    map[uint32]*entry
	byName  map[string]*entry
	ordered []*entry
	next    uint32
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[uint32]*entry),
		byName: make(map[string]*entry),
		next:   1,
	}
}

// Register adds a callback and returns its ID.
func (r *Registry) Register(name string, handler Handler, types ...ParamType) (uint32, error) {
	if !identRe.MatchString(name) {
		return 0, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	e := &entry{name: name, types: append([]ParamType(nil), types...), handler: handler}
	for i, t := range types {
		if !t.valid() {
			return 0, fmt.Errorf("%w: parameter %d of %s", ErrInvalidType, i, name)
		}
		e.size += t.Size()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	e.id = r.next
	r.next++
	r.byID[e.id] = e
	r.byName[name] = e
	r.ordered = append(r.ordered, e)
	return e.id, nil
}

// PayloadSize is the largest parameter block of any callback.
func (r *Registry) PayloadSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	size := 0
	for _, e := range r.ordered {
		size = max(size, e.size)
	}
	return size
}

// BufferSize is the size of the device-side Callback struct.
func (r *Registry) BufferSize() int {
	return flagSize + max(r.PayloadSize(), 1)
}

// Source prepends the Callback typedef and every helper function to the
// user program.
func (r *Registry) Source(user string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	payload := 1
	for _, e := range r.ordered {
		payload = max(payload, e.size)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "typedef struct { unsigned flag; char data[%d]; } Callback;\n\n", payload)
	for _, e := range r.ordered {
		params := make([]string, 0, len(e.types)+1)
		params = append(params, "global Callback *cb")
		for i, t := range e.types {
			params = append(params, fmt.Sprintf("%s param%d", t.CType(), i))
		}
		fmt.Fprintf(&b, "void %s(%s)\n{\n", e.name, strings.Join(params, ", "))
		b.WriteString("    if (get_global_id(0) == 0) {\n")
		offset := 0
		for i, t := range e.types {
			fmt.Fprintf(&b, "        *((global %s *) &cb->data[%d]) = param%d;\n", t.CType(), offset, i)
			offset += t.Size()
		}
		fmt.Fprintf(&b, "        cb->flag = %d;\n    }\n}\n\n", e.id)
	}
	b.WriteString(user)
	return b.String()
}

// Store writes args into buf the way the generated helper of name does:
// parameters first, then the flag. It lets emulated kernels raise
// callbacks.
func (r *Registry) Store(buf []byte, name string, args ...any) error {
	r.mu.RLock()
	e, ok := r.byName[name]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("callback: unknown name %q", name)
	}
	if len(args) != len(e.types) {
		return fmt.Errorf("%w: %s wants %d, got %d", ErrArgumentCount, name, len(e.types), len(args))
	}
	if len(buf) < flagSize+e.size {
		return ErrShortPayload
	}

	data := buf[flagSize:]
	for i, t := range e.types {
		switch t {
		case Float:
			v, ok := args[i].(float32)
			if !ok {
				return fmt.Errorf("%w: argument %d of %s is %T, want float32", ErrInvalidType, i, name, args[i])
			}
			binary.LittleEndian.PutUint32(data, math.Float32bits(v))
		case Double:
			v, ok := args[i].(float64)
			if !ok {
				return fmt.Errorf("%w: argument %d of %s is %T, want float64", ErrInvalidType, i, name, args[i])
			}
			binary.LittleEndian.PutUint64(data, math.Float64bits(v))
		case Int:
			v, ok := args[i].(int32)
			if !ok {
				return fmt.Errorf("%w: argument %d of %s is %T, want int32", ErrInvalidType, i, name, args[i])
			}
			binary.LittleEndian.PutUint32(data, uint32(v))
		}
		data = data[t.Size():]
	}
	binary.LittleEndian.PutUint32(buf, e.id)
	return nil
}

// decode looks up id and unpacks its little-endian parameters.
func (r *Registry) decode(id uint32, payload []byte) (*entry, []any, error) {
	r.mu.RLock()
	e, ok := r.byID[id]
	r.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ErrUnknownID, id)
	}
	if len(payload) < e.size {
		return nil, nil, fmt.Errorf("%w: %s needs %d bytes, have %d", ErrShortPayload, e.name, e.size, len(payload))
	}

	args := make([]any, len(e.types))
	for i, t := range e.types {
		switch t {
		case Float:
			args[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload))
		case Double:
			args[i] = math.Float64frombits(binary.LittleEndian.Uint64(payload))
		case Int:
			args[i] = int32(binary.LittleEndian.Uint32(payload))
		}
		payload = payload[t.Size():]
	}
	return e, args, nil
}
