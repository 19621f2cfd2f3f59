// Package logger provides component-tagged, structured logging used
// throughout kbot. The call shape (InfoCF/WarnCF/ErrorCF taking a
// component name, a message, and a field bag) wraps zerolog as the
// underlying sink.
package logger

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu  sync.RWMutex
	log zerolog.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
)

// Configure replaces the global sink, e.g. to switch to JSON output or a
// different writer in tests.
func Configure(w io.Writer, level zerolog.Level) {
	mu.Lock()
	defer mu.Unlock()
	log = zerolog.New(w).With().Timestamp().Logger().Level(level)
}

func fields(ev *zerolog.Event, f map[string]interface{}) *zerolog.Event {
	for k, v := range f {
		ev = ev.Interface(k, v)
	}
	return ev
}

func InfoCF(component, msg string, f map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields(log.Info().Str("component", component), f).Msg(msg)
}

func WarnCF(component, msg string, f map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields(log.Warn().Str("component", component), f).Msg(msg)
}

func ErrorCF(component, msg string, err error, f map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	ev := log.Error().Str("component", component)
	if err != nil {
		ev = ev.Err(err)
	}
	fields(ev, f).Msg(msg)
}

func DebugCF(component, msg string, f map[string]interface{}) {
	mu.RLock()
	defer mu.RUnlock()
	fields(log.Debug().Str("component", component), f).Msg(msg)
}

// Info/Warn/Error are bare convenience wrappers for call sites without a
// natural field bag.
func Info(msg string)          { InfoCF("", msg, nil) }
func Warn(msg string)          { WarnCF("", msg, nil) }
func Error(msg string, err error) { ErrorCF("", msg, err, nil) }
