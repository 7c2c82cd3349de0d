// Package prettylog implements a zapcore encoder for human-facing console
// output. Entries render as a timestamp, a level icon (or a badge for errors
// and worse), the named logger in brackets and inline key=value attributes,
// followed by the milliseconds elapsed since the previous entry.
package prettylog

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

const (
	ansiReset   = "\033[0m"
	ansiBlack   = "\033[30m"
	ansiRed     = "\033[31m"
	ansiGreen   = "\033[32m"
	ansiYellow  = "\033[33m"
	ansiMagenta = "\033[35m"
	ansiCyan    = "\033[36m"
	ansiGray    = "\033[90m"
	ansiBgRed   = "\033[41m"
)

const (
	iconDebug   = "⚙"
	iconInfo    = "ℹ"
	iconWarn    = "⚠"
	iconError   = "✖"
	iconSuccess = "✔"
	iconStart   = "◐"
)

// HintKey carries a display hint for this encoder. The field is consumed
// during encoding and never printed as an attribute.
const HintKey = "_tg"

const (
	HintSuccess = "success"
	HintStart   = "start"
)

// SuccessField renders the entry with the green check icon regardless of
// level. Used for milestone lines such as a completed migration.
func SuccessField() zapcore.Field {
	return zapcore.Field{Key: HintKey, Type: zapcore.StringType, String: HintSuccess}
}

// StartField renders the entry with the in-progress icon.
func StartField() zapcore.Field {
	return zapcore.Field{Key: HintKey, Type: zapcore.StringType, String: HintStart}
}

var lastEntryMs atomic.Int64

// sinceLastEntry returns the milliseconds elapsed since the previous encoded
// entry, or zero for the first one.
func sinceLastEntry(now time.Time) int64 {
	ms := now.UnixMilli()
	prev := lastEntryMs.Swap(ms)
	if prev == 0 {
		return 0
	}
	return ms - prev
}

var bufPool = buffer.NewPool()

type encoder struct {
	*textCollector
	color bool
}

// NewEncoder returns a console encoder. Pass color=false for plain output.
func NewEncoder(color bool) zapcore.Encoder {
	return &encoder{textCollector: &textCollector{}, color: color}
}

// ShouldColor reports whether stdout should use ANSI colors. It honors the
// NO_COLOR convention and dumb terminals.
func ShouldColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return !strings.EqualFold(os.Getenv("TERM"), "dumb")
}

func (e *encoder) Clone() zapcore.Encoder {
	return &encoder{textCollector: e.textCollector.clone(), color: e.color}
}

func (e *encoder) EncodeEntry(entry zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	scratch := &textCollector{}
	for i := range fields {
		fields[i].AddTo(scratch)
	}

	merged := make([]attr, 0, len(e.attrs)+len(scratch.attrs))
	merged = append(merged, e.attrs...)
	merged = append(merged, scratch.attrs...)

	hint := ""
	attrs := merged[:0]
	for _, kv := range merged {
		if kv.key == HintKey {
			hint = kv.val
			continue
		}
		attrs = append(attrs, kv)
	}

	buf := bufPool.Get()

	// Errors get a blank line on each side and a background badge instead of
	// an icon so they stand out in a busy scroll.
	badge := entry.Level >= zapcore.ErrorLevel
	if badge {
		buf.AppendByte('\n')
	}

	e.writeColored(buf, ansiGray, entry.Time.Format("2006-01-02 15:04:05"))
	buf.AppendByte(' ')

	if badge {
		e.writeBadge(buf, entry.Level)
	} else {
		icon, tint := iconFor(entry.Level, hint)
		e.writeColored(buf, tint, icon)
	}
	buf.AppendByte(' ')

	if entry.LoggerName != "" {
		e.writeColored(buf, ansiYellow, "["+entry.LoggerName+"]")
		buf.AppendByte(' ')
	}

	buf.AppendString(entry.Message)

	for _, kv := range attrs {
		buf.AppendByte(' ')
		buf.AppendString(kv.key)
		buf.AppendByte('=')
		buf.AppendString(quoteAttr(kv.val))
	}

	if ms := sinceLastEntry(entry.Time); ms > 0 {
		e.writeColored(buf, ansiYellow, fmt.Sprintf(" +%dms", ms))
	}

	if badge {
		buf.AppendByte('\n')
	}
	buf.AppendByte('\n')
	return buf, nil
}

func (e *encoder) writeColored(buf *buffer.Buffer, tint, s string) {
	if e.color && tint != "" {
		buf.AppendString(tint)
		buf.AppendString(s)
		buf.AppendString(ansiReset)
		return
	}
	buf.AppendString(s)
}

func (e *encoder) writeBadge(buf *buffer.Buffer, level zapcore.Level) {
	label := " " + strings.ToUpper(level.String()) + " "
	if e.color {
		buf.AppendString(ansiBgRed)
		buf.AppendString(ansiBlack)
		buf.AppendString(label)
		buf.AppendString(ansiReset)
		return
	}
	buf.AppendString(label)
}

func iconFor(level zapcore.Level, hint string) (icon string, tint string) {
	switch hint {
	case HintSuccess:
		return iconSuccess, ansiGreen
	case HintStart:
		return iconStart, ansiMagenta
	}
	switch level {
	case zapcore.DebugLevel:
		return iconDebug, ansiGray
	case zapcore.WarnLevel:
		return iconWarn, ansiYellow
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return iconError, ansiRed
	default:
		return iconInfo, ansiCyan
	}
}

func quoteAttr(v string) string {
	if v == "" || strings.ContainsAny(v, " \t\r\n\"=") {
		return strconv.Quote(v)
	}
	return v
}

type attr struct {
	key string
	val string
}

// textCollector renders zap fields into flat key=value attributes. It backs
// both the encoder's contextual fields and nested object/array marshaling.
type textCollector struct {
	prefix string
	attrs  []attr
	items  []string
}

func (c *textCollector) clone() *textCollector {
	dup := &textCollector{prefix: c.prefix, attrs: make([]attr, len(c.attrs))}
	copy(dup.attrs, c.attrs)
	return dup
}

func (c *textCollector) put(key, val string) {
	c.attrs = append(c.attrs, attr{key: c.prefix + key, val: val})
}

// OpenNamespace prefixes keys added afterwards, matching zap namespace
// nesting semantics.
func (c *textCollector) OpenNamespace(key string) {
	if key == "" {
		return
	}
	c.prefix += key + "."
}

func (c *textCollector) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	nested := &textCollector{}
	if err := arr.MarshalLogArray(nested); err != nil {
		return err
	}
	c.put(key, "["+strings.Join(nested.items, ",")+"]")
	return nil
}

func (c *textCollector) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	nested := &textCollector{}
	if err := obj.MarshalLogObject(nested); err != nil {
		return err
	}
	c.put(key, "{"+joinAttrs(nested.attrs)+"}")
	return nil
}

func joinAttrs(attrs []attr) string {
	parts := make([]string, 0, len(attrs))
	for _, kv := range attrs {
		parts = append(parts, kv.key+"="+kv.val)
	}
	return strings.Join(parts, " ")
}

func formatInt(v int64) string   { return strconv.FormatInt(v, 10) }
func formatUint(v uint64) string { return strconv.FormatUint(v, 10) }
func formatFloat(v float64, bits int) string {
	return strconv.FormatFloat(v, 'f', -1, bits)
}

func (c *textCollector) AddBinary(key string, v []byte)          { c.put(key, fmt.Sprintf("%x", v)) }
func (c *textCollector) AddByteString(key string, v []byte)      { c.put(key, string(v)) }
func (c *textCollector) AddBool(key string, v bool)              { c.put(key, strconv.FormatBool(v)) }
func (c *textCollector) AddComplex128(key string, v complex128)  { c.put(key, fmt.Sprint(v)) }
func (c *textCollector) AddComplex64(key string, v complex64)    { c.put(key, fmt.Sprint(v)) }
func (c *textCollector) AddDuration(key string, v time.Duration) { c.put(key, v.String()) }
func (c *textCollector) AddFloat64(key string, v float64)        { c.put(key, formatFloat(v, 64)) }
func (c *textCollector) AddFloat32(key string, v float32)        { c.put(key, formatFloat(float64(v), 32)) }
func (c *textCollector) AddInt(key string, v int)                { c.put(key, formatInt(int64(v))) }
func (c *textCollector) AddInt64(key string, v int64)            { c.put(key, formatInt(v)) }
func (c *textCollector) AddInt32(key string, v int32)            { c.put(key, formatInt(int64(v))) }
func (c *textCollector) AddInt16(key string, v int16)            { c.put(key, formatInt(int64(v))) }
func (c *textCollector) AddInt8(key string, v int8)              { c.put(key, formatInt(int64(v))) }
func (c *textCollector) AddString(key string, v string)          { c.put(key, v) }
func (c *textCollector) AddTime(key string, v time.Time)         { c.put(key, v.Format(time.RFC3339)) }
func (c *textCollector) AddUint(key string, v uint)              { c.put(key, formatUint(uint64(v))) }
func (c *textCollector) AddUint64(key string, v uint64)          { c.put(key, formatUint(v)) }
func (c *textCollector) AddUint32(key string, v uint32)          { c.put(key, formatUint(uint64(v))) }
func (c *textCollector) AddUint16(key string, v uint16)          { c.put(key, formatUint(uint64(v))) }
func (c *textCollector) AddUint8(key string, v uint8)            { c.put(key, formatUint(uint64(v))) }
func (c *textCollector) AddUintptr(key string, v uintptr)        { c.put(key, fmt.Sprintf("0x%x", v)) }
func (c *textCollector) AddReflected(key string, v interface{}) error {
	c.put(key, fmt.Sprint(v))
	return nil
}

func (c *textCollector) append(v string) {
	c.items = append(c.items, v)
}

func (c *textCollector) AppendArray(v zapcore.ArrayMarshaler) error {
	nested := &textCollector{}
	if err := v.MarshalLogArray(nested); err != nil {
		return err
	}
	c.append("[" + strings.Join(nested.items, ",") + "]")
	return nil
}

func (c *textCollector) AppendObject(v zapcore.ObjectMarshaler) error {
	nested := &textCollector{}
	if err := v.MarshalLogObject(nested); err != nil {
		return err
	}
	c.append("{" + joinAttrs(nested.attrs) + "}")
	return nil
}

func (c *textCollector) AppendBool(v bool)              { c.append(strconv.FormatBool(v)) }
func (c *textCollector) AppendByteString(v []byte)      { c.append(string(v)) }
func (c *textCollector) AppendComplex128(v complex128)  { c.append(fmt.Sprint(v)) }
func (c *textCollector) AppendComplex64(v complex64)    { c.append(fmt.Sprint(v)) }
func (c *textCollector) AppendDuration(v time.Duration) { c.append(v.String()) }
func (c *textCollector) AppendFloat64(v float64)        { c.append(formatFloat(v, 64)) }
func (c *textCollector) AppendFloat32(v float32)        { c.append(formatFloat(float64(v), 32)) }
func (c *textCollector) AppendInt(v int)                { c.append(formatInt(int64(v))) }
func (c *textCollector) AppendInt64(v int64)            { c.append(formatInt(v)) }
func (c *textCollector) AppendInt32(v int32)            { c.append(formatInt(int64(v))) }
func (c *textCollector) AppendInt16(v int16)            { c.append(formatInt(int64(v))) }
func (c *textCollector) AppendInt8(v int8)              { c.append(formatInt(int64(v))) }
func (c *textCollector) AppendString(v string)          { c.append(v) }
func (c *textCollector) AppendTime(v time.Time)         { c.append(v.Format(time.RFC3339)) }
func (c *textCollector) AppendUint(v uint)              { c.append(formatUint(uint64(v))) }
func (c *textCollector) AppendUint64(v uint64)          { c.append(formatUint(v)) }
func (c *textCollector) AppendUint32(v uint32)          { c.append(formatUint(uint64(v))) }
func (c *textCollector) AppendUint16(v uint16)          { c.append(formatUint(uint64(v))) }
func (c *textCollector) AppendUint8(v uint8)            { c.append(formatUint(uint64(v))) }
func (c *textCollector) AppendUintptr(v uintptr)        { c.append(fmt.Sprintf("0x%x", v)) }
func (c *textCollector) AppendReflected(v interface{}) error {
	c.append(fmt.Sprint(v))
	return nil
}
