// Package wire implements the versioned binary call protocol shared by the
// host and the guest: function calls, results, guest log records and the
// stack discipline used inside the input and output regions.
//
// All integers are little-endian. Every record starts with a u32 total length
// followed by a u8 schema version.
package wire

import (
	"fmt"
	"math"
	"unicode/utf8"
)

// Version is the schema version written into every record.
const Version uint8 = 1

// Tag identifies the type of a parameter or return value.
type Tag uint8

const (
	TagVoid Tag = iota
	TagI32
	TagU32
	TagI64
	TagU64
	TagF32
	TagF64
	TagBool
	TagString
	TagBytes
)

var tagNames = [...]string{
	TagVoid:   "void",
	TagI32:    "i32",
	TagU32:    "u32",
	TagI64:    "i64",
	TagU64:    "u64",
	TagF32:    "f32",
	TagF64:    "f64",
	TagBool:   "bool",
	TagString: "string",
	TagBytes:  "bytes",
}

func (t Tag) String() string {
	if int(t) < len(tagNames) {
		return tagNames[t]
	}
	return fmt.Sprintf("tag(%d)", uint8(t))
}

// Valid reports whether t is a known tag.
func (t Tag) Valid() bool {
	return t <= TagBytes
}

// CallKind distinguishes host-to-guest calls from guest-to-host callbacks.
type CallKind uint8

const (
	GuestCall CallKind = iota
	HostCall
)

func (k CallKind) String() string {
	switch k {
	case GuestCall:
		return "guest"
	case HostCall:
		return "host"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a single typed parameter or return value.
// Data holds the Go value matching Tag: int32, uint32, int64, uint64,
// float32, float64, bool, string, []byte or nil for void.
type Value struct {
	Tag  Tag
	Data any
}

// Void is the empty return value.
var Void = Value{Tag: TagVoid}

// ValueOf converts a Go value into a tagged Value.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Void, nil
	case Value:
		return x, x.check()
	case int32:
		return Value{TagI32, x}, nil
	case uint32:
		return Value{TagU32, x}, nil
	case int64:
		return Value{TagI64, x}, nil
	case uint64:
		return Value{TagU64, x}, nil
	case int:
		return Value{TagI64, int64(x)}, nil
	case uint:
		return Value{TagU64, uint64(x)}, nil
	case float32:
		return Value{TagF32, x}, nil
	case float64:
		return Value{TagF64, x}, nil
	case bool:
		return Value{TagBool, x}, nil
	case string:
		return Value{TagString, x}, validString(x)
	case []byte:
		return Value{TagBytes, x}, nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported Go type %T", ErrProtocol, v)
	}
}

// MustValue is like ValueOf but panics on unsupported types.
func MustValue(v any) Value {
	val, err := ValueOf(v)
	if err != nil {
		panic(err)
	}
	return val
}

// check verifies that Data has the Go type Tag promises.
func (v Value) check() error {
	ok := false
	switch v.Tag {
	case TagVoid:
		ok = v.Data == nil
	case TagI32:
		_, ok = v.Data.(int32)
	case TagU32:
		_, ok = v.Data.(uint32)
	case TagI64:
		_, ok = v.Data.(int64)
	case TagU64:
		_, ok = v.Data.(uint64)
	case TagF32:
		_, ok = v.Data.(float32)
	case TagF64:
		_, ok = v.Data.(float64)
	case TagBool:
		_, ok = v.Data.(bool)
	case TagString:
		var s string
		s, ok = v.Data.(string)
		if ok && uint64(len(s)) > math.MaxUint32 {
			ok = false
		}
		if ok {
			if err := validString(s); err != nil {
				return err
			}
		}
	case TagBytes:
		var b []byte
		b, ok = v.Data.([]byte)
		if ok && uint64(len(b)) > math.MaxUint32 {
			ok = false
		}
	default:
		return fmt.Errorf("%w: unknown tag %d", ErrProtocol, uint8(v.Tag))
	}
	if !ok {
		return fmt.Errorf("%w: %s value holds %T", ErrProtocol, v.Tag, v.Data)
	}
	return nil
}

func (v Value) String() string {
	if v.Tag == TagVoid {
		return "void"
	}
	return fmt.Sprintf("%s(%v)", v.Tag, v.Data)
}

// FunctionCall is a request to run a named function on the other side of the
// boundary.
type FunctionCall struct {
	Name       string
	Params     []Value
	ReturnType Tag
	Kind       CallKind
}

// FunctionCallResult carries either a return value or a guest error.
type FunctionCallResult struct {
	Value Value
	Err   *GuestError
}

// OK reports whether the result carries a value.
func (r FunctionCallResult) OK() bool {
	return r.Err == nil
}

// GuestError is an error reported across the boundary.
type GuestError struct {
	Code    ErrorCode
	Message string
}

func (e *GuestError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("guest error: %s", e.Code)
	}
	return fmt.Sprintf("guest error: %s: %s", e.Code, e.Message)
}

// LogLevel is the severity of a guest log record.
type LogLevel uint8

const (
	LogTrace LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
	LogCritical
	LogOff
)

func (l LogLevel) String() string {
	switch l {
	case LogTrace:
		return "trace"
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	case LogCritical:
		return "critical"
	case LogOff:
		return "off"
	default:
		return fmt.Sprintf("level(%d)", uint8(l))
	}
}

// ParseLogLevel maps a level name onto a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	for l := LogTrace; l <= LogOff; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("wire: unknown log level %q", s)
}

// GuestLogData is a structured log record emitted by the guest.
type GuestLogData struct {
	Level   LogLevel
	Message string
	Source  string
	Caller  string
	File    string
	Line    uint32
}

func validString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: string is not valid UTF-8", ErrProtocol)
	}
	return nil
}
