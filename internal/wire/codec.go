package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

const (
	callHeaderSize   = 12 // len, version, kind, return tag, reserved, name len, param count
	resultHeaderSize = 8  // len, version, status, reserved
	logHeaderSize    = 12 // len, version, level, reserved, line
	textHeaderSize   = 8  // len, version, reserved
)

const (
	statusOK    uint8 = 0
	statusError uint8 = 1
)

// encoder appends little-endian fields to buf.
type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)   { e.buf = append(e.buf, v) }
func (e *encoder) u16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *encoder) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}

func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}

// finish patches the leading total length field.
func (e *encoder) finish() ([]byte, error) {
	if uint64(len(e.buf)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: record of %d bytes exceeds u32 length", ErrBufferTooSmall, len(e.buf))
	}
	binary.LittleEndian.PutUint32(e.buf[0:4], uint32(len(e.buf)))
	return e.buf, nil
}

func (e *encoder) value(v Value) error {
	if err := v.check(); err != nil {
		return err
	}
	e.u8(uint8(v.Tag))
	switch v.Tag {
	case TagVoid:
	case TagI32:
		e.u32(uint32(v.Data.(int32)))
	case TagU32:
		e.u32(v.Data.(uint32))
	case TagI64:
		e.u64(uint64(v.Data.(int64)))
	case TagU64:
		e.u64(v.Data.(uint64))
	case TagF32:
		e.u32(math.Float32bits(v.Data.(float32)))
	case TagF64:
		e.u64(math.Float64bits(v.Data.(float64)))
	case TagBool:
		if v.Data.(bool) {
			e.u8(1)
		} else {
			e.u8(0)
		}
	case TagString:
		e.str(v.Data.(string))
	case TagBytes:
		e.bytes(v.Data.([]byte))
	}
	return nil
}

// decoder reads little-endian fields from b. The first error sticks.
type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) fail(format string, args ...any) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: "+format, append([]any{ErrProtocol}, args...)...)
	}
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if n < 0 || len(d.b)-d.off < n {
		d.fail("truncated record at offset %d (need %d bytes, have %d)", d.off, n, len(d.b)-d.off)
		return nil
	}
	p := d.b[d.off : d.off+n]
	d.off += n
	return p
}

func (d *decoder) u8() uint8 {
	if p := d.take(1); p != nil {
		return p[0]
	}
	return 0
}

func (d *decoder) u16() uint16 {
	if p := d.take(2); p != nil {
		return binary.LittleEndian.Uint16(p)
	}
	return 0
}

func (d *decoder) u32() uint32 {
	if p := d.take(4); p != nil {
		return binary.LittleEndian.Uint32(p)
	}
	return 0
}

func (d *decoder) u64() uint64 {
	if p := d.take(8); p != nil {
		return binary.LittleEndian.Uint64(p)
	}
	return 0
}

func (d *decoder) str() string {
	n := d.u32()
	p := d.take(int(n))
	if p == nil {
		return ""
	}
	s := string(p)
	if err := validString(s); err != nil && d.err == nil {
		d.err = err
	}
	return s
}

func (d *decoder) bytes() []byte {
	n := d.u32()
	p := d.take(int(n))
	if p == nil {
		return nil
	}
	out := make([]byte, len(p))
	copy(out, p)
	return out
}

// header validates the length and version prefix shared by all records.
func (d *decoder) header(minSize int) {
	if len(d.b) < minSize {
		d.fail("record too short: %d bytes", len(d.b))
		return
	}
	total := d.u32()
	if int(total) != len(d.b) {
		d.fail("length field %d does not match record size %d", total, len(d.b))
		return
	}
	if v := d.u8(); v != Version {
		d.fail("schema version %d, want %d", v, Version)
	}
}

func (d *decoder) done() error {
	if d.err == nil && d.off != len(d.b) {
		d.fail("%d trailing bytes", len(d.b)-d.off)
	}
	return d.err
}

func (d *decoder) value() Value {
	tag := Tag(d.u8())
	if d.err != nil {
		return Value{}
	}
	switch tag {
	case TagVoid:
		return Void
	case TagI32:
		return Value{tag, int32(d.u32())}
	case TagU32:
		return Value{tag, d.u32()}
	case TagI64:
		return Value{tag, int64(d.u64())}
	case TagU64:
		return Value{tag, d.u64()}
	case TagF32:
		return Value{tag, math.Float32frombits(d.u32())}
	case TagF64:
		return Value{tag, math.Float64frombits(d.u64())}
	case TagBool:
		switch b := d.u8(); b {
		case 0:
			return Value{tag, false}
		case 1:
			return Value{tag, true}
		default:
			d.fail("invalid bool byte 0x%02x", b)
			return Value{}
		}
	case TagString:
		return Value{tag, d.str()}
	case TagBytes:
		return Value{tag, d.bytes()}
	default:
		d.fail("unknown value tag %d", uint8(tag))
		return Value{}
	}
}

// MarshalFunctionCall encodes fc into a freshly allocated record.
func MarshalFunctionCall(fc FunctionCall) ([]byte, error) {
	if fc.Name == "" {
		return nil, fmt.Errorf("%w: function name is empty", ErrProtocol)
	}
	if err := validString(fc.Name); err != nil {
		return nil, err
	}
	if len(fc.Name) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: function name is %d bytes (max %d)", ErrProtocol, len(fc.Name), math.MaxUint16)
	}
	if len(fc.Params) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d parameters (max %d)", ErrProtocol, len(fc.Params), math.MaxUint16)
	}
	if !fc.ReturnType.Valid() {
		return nil, fmt.Errorf("%w: unknown return tag %d", ErrProtocol, uint8(fc.ReturnType))
	}
	if fc.Kind > HostCall {
		return nil, fmt.Errorf("%w: unknown call kind %d", ErrProtocol, uint8(fc.Kind))
	}

	e := encoder{buf: make([]byte, 0, callHeaderSize+len(fc.Name)+16*len(fc.Params))}
	e.u32(0)
	e.u8(Version)
	e.u8(uint8(fc.Kind))
	e.u8(uint8(fc.ReturnType))
	e.u8(0)
	e.u16(uint16(len(fc.Name)))
	e.u16(uint16(len(fc.Params)))
	e.buf = append(e.buf, fc.Name...)
	for i, p := range fc.Params {
		if p.Tag == TagVoid {
			return nil, fmt.Errorf("%w: parameter %d is void", ErrProtocol, i)
		}
		if err := e.value(p); err != nil {
			return nil, fmt.Errorf("parameter %d: %w", i, err)
		}
	}
	return e.finish()
}

// UnmarshalFunctionCall decodes a record produced by MarshalFunctionCall.
func UnmarshalFunctionCall(b []byte) (FunctionCall, error) {
	d := decoder{b: b}
	d.header(callHeaderSize)
	kind := CallKind(d.u8())
	ret := Tag(d.u8())
	d.u8()
	nameLen := d.u16()
	count := d.u16()
	if d.err != nil {
		return FunctionCall{}, d.err
	}
	if kind > HostCall {
		return FunctionCall{}, fmt.Errorf("%w: unknown call kind %d", ErrProtocol, uint8(kind))
	}
	if !ret.Valid() {
		return FunctionCall{}, fmt.Errorf("%w: unknown return tag %d", ErrProtocol, uint8(ret))
	}
	name := string(d.take(int(nameLen)))
	if d.err == nil {
		if name == "" {
			d.fail("function name is empty")
		} else if err := validString(name); err != nil {
			d.err = err
		}
	}

	fc := FunctionCall{Name: name, ReturnType: ret, Kind: kind}
	if count > 0 {
		fc.Params = make([]Value, 0, count)
	}
	for i := 0; i < int(count) && d.err == nil; i++ {
		v := d.value()
		if d.err == nil && v.Tag == TagVoid {
			d.fail("parameter %d is void", i)
		}
		fc.Params = append(fc.Params, v)
	}
	if err := d.done(); err != nil {
		return FunctionCall{}, err
	}
	return fc, nil
}

// MarshalFunctionCallResult encodes a result or a guest error.
func MarshalFunctionCallResult(r FunctionCallResult) ([]byte, error) {
	e := encoder{buf: make([]byte, 0, resultHeaderSize+16)}
	e.u32(0)
	e.u8(Version)
	if r.Err != nil {
		if err := validString(r.Err.Message); err != nil {
			return nil, err
		}
		e.u8(statusError)
		e.u16(0)
		e.u64(uint64(r.Err.Code))
		e.str(r.Err.Message)
		return e.finish()
	}
	e.u8(statusOK)
	e.u16(0)
	if err := e.value(r.Value); err != nil {
		return nil, err
	}
	return e.finish()
}

// UnmarshalFunctionCallResult decodes a record produced by
// MarshalFunctionCallResult.
func UnmarshalFunctionCallResult(b []byte) (FunctionCallResult, error) {
	d := decoder{b: b}
	d.header(resultHeaderSize)
	status := d.u8()
	d.u16()
	var r FunctionCallResult
	switch {
	case d.err != nil:
	case status == statusOK:
		r.Value = d.value()
	case status == statusError:
		code := ErrorCode(d.u64())
		r.Err = &GuestError{Code: code, Message: d.str()}
	default:
		d.fail("unknown result status %d", status)
	}
	if err := d.done(); err != nil {
		return FunctionCallResult{}, err
	}
	return r, nil
}

// MarshalGuestLogData encodes a guest log record.
func MarshalGuestLogData(l GuestLogData) ([]byte, error) {
	for _, s := range []string{l.Message, l.Source, l.Caller, l.File} {
		if err := validString(s); err != nil {
			return nil, err
		}
	}
	e := encoder{buf: make([]byte, 0, logHeaderSize+len(l.Message)+len(l.Source)+len(l.Caller)+len(l.File)+16)}
	e.u32(0)
	e.u8(Version)
	e.u8(uint8(l.Level))
	e.u16(0)
	e.u32(l.Line)
	e.str(l.Message)
	e.str(l.Source)
	e.str(l.Caller)
	e.str(l.File)
	return e.finish()
}

// UnmarshalGuestLogData decodes a guest log record.
func UnmarshalGuestLogData(b []byte) (GuestLogData, error) {
	d := decoder{b: b}
	d.header(logHeaderSize)
	l := GuestLogData{Level: LogLevel(d.u8())}
	d.u16()
	l.Line = d.u32()
	l.Message = d.str()
	l.Source = d.str()
	l.Caller = d.str()
	l.File = d.str()
	if d.err == nil && l.Level > LogCritical {
		d.fail("invalid log level %d", uint8(l.Level))
	}
	if err := d.done(); err != nil {
		return GuestLogData{}, err
	}
	return l, nil
}

// MarshalText encodes a plain text record, used for debug prints.
func MarshalText(s string) ([]byte, error) {
	if err := validString(s); err != nil {
		return nil, err
	}
	e := encoder{buf: make([]byte, 0, textHeaderSize+4+len(s))}
	e.u32(0)
	e.u8(Version)
	e.u8(0)
	e.u16(0)
	e.str(s)
	return e.finish()
}

// UnmarshalText decodes a text record.
func UnmarshalText(b []byte) (string, error) {
	d := decoder{b: b}
	d.header(textHeaderSize)
	d.u8()
	d.u16()
	s := d.str()
	if err := d.done(); err != nil {
		return "", err
	}
	return s, nil
}
