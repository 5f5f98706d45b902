// Copyright The ChunkMem Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package log

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level describes the severity of log messages.
type Level int32

const (
	// LevelDebug is the severity for debug messages.
	LevelDebug Level = iota
	// LevelInfo is the severity for informational messages.
	LevelInfo
	// LevelWarn is the severity for warnings.
	LevelWarn
	// LevelError is the severity for errors.
	LevelError
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "CHUNKMEM_DEBUG"
)

// Logger is the per-source logging interface.
type Logger interface {
	// Debug formats and emits a debug message.
	Debug(format string, args ...interface{})
	// Info formats and emits an informational message.
	Info(format string, args ...interface{})
	// Warn formats and emits a warning message.
	Warn(format string, args ...interface{})
	// Error formats and emits an error message.
	Error(format string, args ...interface{})
	// Fatal formats and emits an error message and exits.
	Fatal(format string, args ...interface{})
	// DebugEnabled checks if debug messages are enabled for the logger.
	DebugEnabled() bool
	// Source returns the source name of the logger.
	Source() string
}

type logger struct {
	source string
	debug  bool
}

type logging struct {
	sync.RWMutex
	level   Level
	loggers map[string]*logger
	debug   map[string]bool
	backend *logrus.Logger
}

var log = &logging{
	level:   DefaultLevel,
	loggers: make(map[string]*logger),
	debug:   make(map[string]bool),
	backend: newBackend(),
}

func newBackend() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05.000",
	})
	return l
}

// Get returns the named logger, creating it if necessary.
func Get(source string) Logger {
	log.Lock()
	defer log.Unlock()
	return log.get(source)
}

// NewLogger is an alias for Get.
func NewLogger(source string) Logger {
	return Get(source)
}

// Default returns the default logger.
func Default() Logger {
	return Get("default")
}

// SetLevel sets the logging severity level.
func SetLevel(level Level) {
	log.Lock()
	defer log.Unlock()
	log.level = level
}

// EnableDebug enables debug messages for the given sources. The
// wildcard source "*" (or "all") enables debugging for all sources.
func EnableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		if src == "all" {
			src = "*"
		}
		log.debug[src] = true
	}
	for _, l := range log.loggers {
		l.debug = log.debugEnabled(l.source)
	}
}

// DisableDebug disables debug messages for the given sources.
func DisableDebug(sources ...string) {
	log.Lock()
	defer log.Unlock()
	for _, src := range sources {
		if src == "all" {
			src = "*"
		}
		delete(log.debug, src)
	}
	for _, l := range log.loggers {
		l.debug = log.debugEnabled(l.source)
	}
}

// Flush flushes any pending log messages.
func Flush() {
	// logrus writes synchronously, nothing to do
}

func (lg *logging) get(source string) *logger {
	if l, ok := lg.loggers[source]; ok {
		return l
	}
	l := &logger{
		source: source,
		debug:  lg.debugEnabled(source),
	}
	lg.loggers[source] = l
	return l
}

func (lg *logging) debugEnabled(source string) bool {
	if enabled, ok := lg.debug[source]; ok {
		return enabled
	}
	return lg.debug["*"]
}

func (l *logger) Debug(format string, args ...interface{}) {
	if !l.DebugEnabled() {
		return
	}
	log.backend.Debugf(l.source+": "+format, args...)
}

func (l *logger) Info(format string, args ...interface{}) {
	if log.level > LevelInfo {
		return
	}
	log.backend.Infof(l.source+": "+format, args...)
}

func (l *logger) Warn(format string, args ...interface{}) {
	if log.level > LevelWarn {
		return
	}
	log.backend.Warnf(l.source+": "+format, args...)
}

func (l *logger) Error(format string, args ...interface{}) {
	log.backend.Errorf(l.source+": "+format, args...)
}

func (l *logger) Fatal(format string, args ...interface{}) {
	log.backend.Fatalf(l.source+": "+format, args...)
}

func (l *logger) DebugEnabled() bool {
	return l.debug || log.level <= LevelDebug
}

func (l *logger) Source() string {
	return l.source
}

// Seed debugging flags from the environment.
func init() {
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		var sources []string
		for _, src := range strings.Split(value, ",") {
			if src = strings.TrimSpace(src); src != "" {
				sources = append(sources, src)
			}
		}
		EnableDebug(sources...)
	}
}
