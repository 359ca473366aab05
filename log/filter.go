package log

import "go.uber.org/zap/zapcore"

const redacted = "[redacted]"

// RedactFieldsCore replaces the value of fields with matching keys before
// writing to the core. Keys are compared case-sensitively.
func RedactFieldsCore(core zapcore.Core, keys ...string) zapcore.Core {
	return redactFieldsCore{
		Core:   core,
		redact: makeKeySet(keys),
	}
}

type redactFieldsCore struct {
	zapcore.Core
	redact map[string]struct{}
}

func (c redactFieldsCore) With(fields []zapcore.Field) zapcore.Core {
	return redactFieldsCore{
		Core:   c.Core.With(redactFields(fields, c.redact)),
		redact: c.redact,
	}
}

func (c redactFieldsCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c redactFieldsCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	return c.Core.Write(ent, redactFields(fields, c.redact))
}

func makeKeySet(keys []string) map[string]struct{} {
	if len(keys) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(keys))
	for _, key := range keys {
		if key == "" {
			continue
		}
		set[key] = struct{}{}
	}
	return set
}

func redactFields(fields []zapcore.Field, redact map[string]struct{}) []zapcore.Field {
	if len(fields) == 0 || len(redact) == 0 {
		return fields
	}
	var out []zapcore.Field
	for i, field := range fields {
		if _, ok := redact[field.Key]; !ok {
			if out != nil {
				out = append(out, field)
			}
			continue
		}
		if out == nil {
			out = make([]zapcore.Field, i, len(fields))
			copy(out, fields[:i])
		}
		out = append(out, zapcore.Field{Key: field.Key, Type: zapcore.StringType, String: redacted})
	}
	if out == nil {
		return fields
	}
	return out
}
