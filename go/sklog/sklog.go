// Package sklog provides leveled logging with a single-letter severity
// prefix, in the style of glog, writable to any io.Writer so tests can
// assert on log output without touching stderr.
package sklog

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"sync"
	"time"
)

// Severity identifies the level of a log line.
type Severity string

const (
	SeverityDebug   Severity = "D"
	SeverityInfo    Severity = "I"
	SeverityWarning Severity = "W"
	SeverityError   Severity = "E"
	SeverityFatal   Severity = "F"
)

var (
	mu  sync.Mutex
	out io.Writer = os.Stderr
)

// SetOutput redirects all subsequent log lines to w. Used by tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

func log(severity Severity, format string, args ...interface{}) {
	msg := format
	if len(args) > 0 || format == "" {
		msg = fmt.Sprintf(format, args...)
	}
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		file, line = "???", 0
	} else {
		for i := len(file) - 1; i >= 0; i-- {
			if file[i] == '/' {
				file = file[i+1:]
				break
			}
		}
	}
	mu.Lock()
	defer mu.Unlock()
	fmt.Fprintf(out, "%s%s %s:%d] %s\n", severity, time.Now().Format("0102 15:04:05.000000"), file, line, msg)
}

func Debugf(format string, args ...interface{})   { log(SeverityDebug, format, args...) }
func Infof(format string, args ...interface{})    { log(SeverityInfo, format, args...) }
func Warningf(format string, args ...interface{}) { log(SeverityWarning, format, args...) }
func Errorf(format string, args ...interface{})   { log(SeverityError, format, args...) }

func Debug(args ...interface{})   { log(SeverityDebug, "%v", fmt.Sprint(args...)) }
func Info(args ...interface{})    { log(SeverityInfo, "%v", fmt.Sprint(args...)) }
func Warning(args ...interface{}) { log(SeverityWarning, "%v", fmt.Sprint(args...)) }
func Error(args ...interface{})   { log(SeverityError, "%v", fmt.Sprint(args...)) }

// Fatalf logs at Fatal severity and terminates the process. Never called
// from library code, only from cmd/ main functions.
func Fatalf(format string, args ...interface{}) {
	log(SeverityFatal, format, args...)
	os.Exit(1)
}
