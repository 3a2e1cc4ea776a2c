package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log entry.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level. Unknown values yield INFO.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// sink is the output shared by a logger and every child derived from it.
type sink struct {
	mu        sync.Mutex
	out       io.Writer
	level     Level
	redactPII bool
}

// Logger writes one JSON object per line. Children created with With share
// the parent's output, level and redaction setting.
type Logger struct {
	sink   *sink
	fields []interface{}
}

var defaultLogger = New(os.Stderr)

// New returns an INFO-level logger with PII redaction enabled.
func New(out io.Writer) *Logger {
	return &Logger{sink: &sink{out: out, level: INFO, redactPII: true}}
}

// SetLevel sets the minimum log level for the default logger.
func SetLevel(l Level) { defaultLogger.SetLevel(l) }

// SetRedactPII enables or disables PII redaction for the default logger.
func SetRedactPII(r bool) { defaultLogger.SetRedactPII(r) }

// SetOutput redirects the default logger.
func SetOutput(w io.Writer) {
	defaultLogger.sink.mu.Lock()
	defaultLogger.sink.out = w
	defaultLogger.sink.mu.Unlock()
}

// With returns a child of the default logger that adds fields to every entry.
func With(fields ...interface{}) *Logger { return defaultLogger.With(fields...) }

func Debug(msg string, fields ...interface{}) { defaultLogger.log(DEBUG, msg, fields) }
func Info(msg string, fields ...interface{})  { defaultLogger.log(INFO, msg, fields) }
func Warn(msg string, fields ...interface{})  { defaultLogger.log(WARN, msg, fields) }
func Error(msg string, fields ...interface{}) { defaultLogger.log(ERROR, msg, fields) }

func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

func (l *Logger) SetRedactPII(r bool) {
	l.sink.mu.Lock()
	l.sink.redactPII = r
	l.sink.mu.Unlock()
}

func (l *Logger) With(fields ...interface{}) *Logger {
	merged := make([]interface{}, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{sink: l.sink, fields: merged}
}

func (l *Logger) Debug(msg string, fields ...interface{}) { l.log(DEBUG, msg, fields) }
func (l *Logger) Info(msg string, fields ...interface{})  { l.log(INFO, msg, fields) }
func (l *Logger) Warn(msg string, fields ...interface{})  { l.log(WARN, msg, fields) }
func (l *Logger) Error(msg string, fields ...interface{}) { l.log(ERROR, msg, fields) }

func (l *Logger) log(level Level, msg string, fields []interface{}) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	entry := map[string]interface{}{
		"time":  time.Now().UTC().Format(time.RFC3339),
		"level": level.String(),
		"msg":   msg,
	}
	addFields(entry, l.fields, s.redactPII)
	addFields(entry, fields, s.redactPII)

	data, err := json.Marshal(entry)
	if err != nil {
		data = []byte(fmt.Sprintf(`{"level":%q,"msg":%q,"log_error":%q}`, level.String(), msg, err.Error()))
	}
	fmt.Fprintln(s.out, string(data))
}

// addFields copies key/value pairs into entry. A trailing key without a
// value is recorded under "!BADKEY".
func addFields(entry map[string]interface{}, fields []interface{}, redact bool) {
	for i := 0; i < len(fields); i += 2 {
		if i+1 == len(fields) {
			entry["!BADKEY"] = fmt.Sprint(fields[i])
			return
		}
		key := fmt.Sprint(fields[i])
		entry[key] = fieldValue(key, fields[i+1], redact)
	}
}

// fieldValue keeps numbers and booleans native so log pipelines can
// aggregate on them. Everything else is rendered as a string.
func fieldValue(key string, v interface{}, redact bool) interface{} {
	var s string
	switch val := v.(type) {
	case nil:
		return nil
	case bool, int, int32, int64, uint, uint32, uint64, float32, float64:
		return val
	case error:
		s = val.Error()
	case time.Duration:
		s = val.String()
	case time.Time:
		s = val.UTC().Format(time.RFC3339)
	case string:
		s = val
	default:
		s = fmt.Sprintf("%v", val)
	}
	if redact {
		s = redactPIIValue(key, s)
	}
	return s
}

var emailRegex = regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)

func redactPIIValue(key, val string) string {
	key = strings.ToLower(key)
	switch {
	case strings.Contains(key, "email"):
		return RedactEmail(val)
	case strings.Contains(key, "phone"):
		return RedactPhone(val)
	}
	return emailRegex.ReplaceAllStringFunc(val, RedactEmail)
}
