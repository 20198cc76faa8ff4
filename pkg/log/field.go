package log

import (
	"time"

	"go.uber.org/zap"
)

// Field is a single structured key/value attached to an entry.
type Field struct {
	Key   string
	Value any
}

func Str(key, value string) Field                 { return Field{Key: key, Value: value} }
func Int(key string, value int) Field             { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field         { return Field{Key: key, Value: value} }
func Int32(key string, value int32) Field         { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field           { return Field{Key: key, Value: value} }
func Dur(key string, value time.Duration) Field   { return Field{Key: key, Value: value} }
func Any(key string, value any) Field             { return Field{Key: key, Value: value} }
func Component(name string) Field                 { return Field{Key: ComponentKey, Value: name} }
func Operation(name string) Field                 { return Field{Key: OperationKey, Value: name} }

// Err attaches an error under the "error" key. A nil error yields an empty field.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{Key: "error", Value: err}
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		if f.Key == "" {
			continue
		}
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}
