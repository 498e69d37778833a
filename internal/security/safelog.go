package security

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"
)

// maskedFieldNames lists log field names whose values are credentials
// by definition and are masked whole, whatever they contain.
var maskedFieldNames = map[string]bool{
	"api_key":       true,
	"api_secret":    true,
	"apikey":        true,
	"apisecret":     true,
	"secret":        true,
	"password":      true,
	"token":         true,
	"access_token":  true,
	"auth_token":    true,
	"request_token": true,
	"totp":          true,
	"totp_secret":   true,
	"bearer":        true,
	"checksum":      true,
	"credential":    true,
	"credentials":   true,
	"private_key":   true,
	"secret_key":    true,
}

// keyedSecret spots name/value runs inside free text, such as
// "api_key=abc" or "password: hunter2". Group 3 is the value.
var keyedSecret = regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|request[_-]?token|bearer|password)([=:\s]+["']?)([^\s"']+)`)

// tokenShaped matches strings recognizable as secrets without any key
// next to them, currently JWTs.
var tokenShaped = []*regexp.Regexp{
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
}

// secretDetectors is the wider net used on untrusted text like broker
// response bodies, where false positives cost nothing.
var secretDetectors = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|apikey|api[_-]?secret|secret[_-]?key|access[_-]?token|auth[_-]?token|request[_-]?token|bearer)[=:\s]+["']?([A-Za-z0-9_\-\.]{16,})["']?`),
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
	regexp.MustCompile(`[A-Za-z0-9]{32,}`),
}

// MaskCredential keeps just enough of a secret's edges to recognize
// which credential it was: long values keep four characters each side,
// short ones less, four or fewer nothing.
func MaskCredential(value string) string {
	switch n := len(value); {
	case n == 0:
		return ""
	case n <= 4:
		return strings.Repeat("*", n)
	case n <= 8:
		return value[:2] + strings.Repeat("*", n-2)
	default:
		return value[:4] + strings.Repeat("*", n-8) + value[n-4:]
	}
}

// MaskSensitive redacts every secret-looking run in input. Meant for
// raw upstream payloads headed to a log.
func MaskSensitive(input string) string {
	out := input
	for _, re := range secretDetectors {
		out = re.ReplaceAllStringFunc(out, MaskCredential)
	}
	return out
}

// ContainsSensitiveData reports whether input holds something that
// looks like a credential or token.
func ContainsSensitiveData(input string) bool {
	for _, re := range secretDetectors {
		if re.MatchString(input) {
			return true
		}
	}
	return false
}

// scrub masks secret values inside free text while keeping the words
// around them readable.
func scrub(in string) string {
	out := maskValueGroup(keyedSecret, in, 3)
	for _, re := range tokenShaped {
		out = re.ReplaceAllStringFunc(out, MaskCredential)
	}
	return out
}

// maskValueGroup rewrites in, replacing only the given capture group
// of each match with its masked form.
func maskValueGroup(re *regexp.Regexp, in string, group int) string {
	matches := re.FindAllStringSubmatchIndex(in, -1)
	if len(matches) == 0 {
		return in
	}
	var b strings.Builder
	last := 0
	for _, m := range matches {
		lo, hi := m[2*group], m[2*group+1]
		if lo < 0 {
			continue
		}
		b.WriteString(in[last:lo])
		b.WriteString(MaskCredential(in[lo:hi]))
		last = hi
	}
	b.WriteString(in[last:])
	return b.String()
}

func maskedField(name string) bool {
	return maskedFieldNames[strings.ToLower(name)]
}

// LogWithoutCredentials copies a detail map with credential fields
// masked and every other string scrubbed.
func LogWithoutCredentials(data map[string]any) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		switch {
		case maskedField(k):
			if s, ok := v.(string); ok {
				out[k] = MaskCredential(s)
			} else {
				out[k] = "***"
			}
		default:
			if s, ok := v.(string); ok {
				out[k] = scrub(s)
			} else {
				out[k] = v
			}
		}
	}
	return out
}

// SafeLogger wraps a zerolog.Logger so string fields and messages pass
// through redaction before they are written. Adapters use it anywhere
// broker payloads could leak into a log line.
type SafeLogger struct {
	logger zerolog.Logger
}

// NewSafeLogger wraps logger with redaction.
func NewSafeLogger(logger zerolog.Logger) *SafeLogger {
	return &SafeLogger{logger: logger}
}

func (sl *SafeLogger) Debug() *SafeEvent { return &SafeEvent{event: sl.logger.Debug()} }
func (sl *SafeLogger) Info() *SafeEvent  { return &SafeEvent{event: sl.logger.Info()} }
func (sl *SafeLogger) Warn() *SafeEvent  { return &SafeEvent{event: sl.logger.Warn()} }
func (sl *SafeLogger) Error() *SafeEvent { return &SafeEvent{event: sl.logger.Error()} }

// With opens a redacting child-logger builder.
func (sl *SafeLogger) With() *SafeContext {
	return &SafeContext{ctx: sl.logger.With()}
}

// SafeEvent mirrors zerolog.Event with redaction applied to strings.
type SafeEvent struct {
	event *zerolog.Event
}

// Str adds a string field. Credential fields are masked outright,
// everything else is scrubbed for embedded secrets.
func (se *SafeEvent) Str(key, val string) *SafeEvent {
	if maskedField(key) {
		se.event = se.event.Str(key, MaskCredential(val))
	} else {
		se.event = se.event.Str(key, scrub(val))
	}
	return se
}

func (se *SafeEvent) Int(key string, val int) *SafeEvent {
	se.event = se.event.Int(key, val)
	return se
}

func (se *SafeEvent) Int64(key string, val int64) *SafeEvent {
	se.event = se.event.Int64(key, val)
	return se
}

func (se *SafeEvent) Float64(key string, val float64) *SafeEvent {
	se.event = se.event.Float64(key, val)
	return se
}

func (se *SafeEvent) Bool(key string, val bool) *SafeEvent {
	se.event = se.event.Bool(key, val)
	return se
}

// Err adds an error field with its message scrubbed; broker errors can
// carry request parameters verbatim.
func (se *SafeEvent) Err(err error) *SafeEvent {
	if err != nil {
		se.event = se.event.Err(fmt.Errorf("%s", scrub(err.Error())))
	}
	return se
}

// Interface adds an arbitrary field, falling back to a scrubbed string
// form when the rendered value looks sensitive.
func (se *SafeEvent) Interface(key string, val any) *SafeEvent {
	rendered := fmt.Sprintf("%v", val)
	if maskedField(key) || ContainsSensitiveData(rendered) {
		se.event = se.event.Str(key, scrub(rendered))
	} else {
		se.event = se.event.Interface(key, val)
	}
	return se
}

// Msg writes the event with a scrubbed message.
func (se *SafeEvent) Msg(msg string) {
	se.event.Msg(scrub(msg))
}

// Msgf formats and writes the event, scrubbing the result.
func (se *SafeEvent) Msgf(format string, args ...any) {
	se.event.Msg(scrub(fmt.Sprintf(format, args...)))
}

// Send writes the event without a message.
func (se *SafeEvent) Send() {
	se.event.Send()
}

// SafeContext mirrors zerolog.Context for building child loggers.
type SafeContext struct {
	ctx zerolog.Context
}

func (sc *SafeContext) Str(key, val string) *SafeContext {
	if maskedField(key) {
		sc.ctx = sc.ctx.Str(key, MaskCredential(val))
	} else {
		sc.ctx = sc.ctx.Str(key, scrub(val))
	}
	return sc
}

func (sc *SafeContext) Int(key string, val int) *SafeContext {
	sc.ctx = sc.ctx.Int(key, val)
	return sc
}

// Logger finishes the builder.
func (sc *SafeContext) Logger() *SafeLogger {
	return &SafeLogger{logger: sc.ctx.Logger()}
}
