package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

type entry struct {
	level logrus.Level
	msg   string
}

var (
	instanceID     string
	instanceIDOnce sync.Once

	logger = newLogger()

	// Async logging channel and worker
	logChan   chan entry
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.RWMutex
)

func newLogger() *logrus.Logger {
	l := logrus.New()
	l.Out = os.Stderr
	l.Formatter = &logrus.TextFormatter{FullTimestamp: true}
	l.Level = logrus.InfoLevel
	return l
}

// Configure sets the level (debug, info, warn, error) and format (text, json).
// Unknown values keep the current setting and return an error.
func Configure(level, format string) error {
	logMu.Lock()
	defer logMu.Unlock()

	var errs []string
	if level != "" {
		lvl, err := logrus.ParseLevel(level)
		if err != nil {
			errs = append(errs, err.Error())
		} else {
			logger.SetLevel(lvl)
		}
	}
	switch strings.ToLower(format) {
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	default:
		errs = append(errs, fmt.Sprintf("unknown log format %q", format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("logging: %s", strings.Join(errs, "; "))
	}
	return nil
}

// SetOutput redirects log output
func SetOutput(w io.Writer) {
	logMu.Lock()
	defer logMu.Unlock()
	logger.SetOutput(w)
}

// IsDebug reports whether debug messages are emitted
func IsDebug() bool {
	return logger.IsLevelEnabled(logrus.DebugLevel)
}

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		logChan = make(chan entry, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for e := range logChan {
				write(e)
			}
		}()
	})
}

func write(e entry) {
	logger.WithField("instance", GetInstanceID()).Log(e.level, e.msg)
}

// GetInstanceID returns the identifier attached to every log line
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		// INSTANCE_ID first, then POD_NAME, then HOSTNAME, then the short hostname
		instanceID = os.Getenv("INSTANCE_ID")
		if instanceID == "" {
			instanceID = os.Getenv("POD_NAME")
		}
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if hostname != "" {
				if len(hostname) > 8 {
					instanceID = hostname[len(hostname)-8:]
				} else {
					instanceID = hostname
				}
			} else {
				instanceID = "unknown"
			}
		}
	})
	return instanceID
}

func enqueue(level logrus.Level, msg string) {
	if !logger.IsLevelEnabled(level) {
		return
	}
	initLogWorker()

	logMu.RLock()
	defer logMu.RUnlock()
	if logChan == nil {
		write(entry{level: level, msg: msg})
		return
	}

	// Non-blocking send: if the queue is full, write synchronously
	select {
	case logChan <- entry{level: level, msg: msg}:
	default:
		write(entry{level: level, msg: msg})
	}
}

// Logf logs a formatted message at info level (async, non-blocking)
func Logf(format string, v ...interface{}) {
	enqueue(logrus.InfoLevel, fmt.Sprintf(format, v...))
}

// Log logs a message at info level (async, non-blocking)
func Log(v ...interface{}) {
	enqueue(logrus.InfoLevel, fmt.Sprint(v...))
}

// Debugf logs a formatted message at debug level
func Debugf(format string, v ...interface{}) {
	enqueue(logrus.DebugLevel, fmt.Sprintf(format, v...))
}

// Warnf logs a formatted message at warn level
func Warnf(format string, v ...interface{}) {
	enqueue(logrus.WarnLevel, fmt.Sprintf(format, v...))
}

// Errorf logs a formatted message at error level
func Errorf(format string, v ...interface{}) {
	enqueue(logrus.ErrorLevel, fmt.Sprintf(format, v...))
}

// Fatalf flushes pending messages, logs a fatal error and exits
func Fatalf(format string, v ...interface{}) {
	Flush()
	logger.WithField("instance", GetInstanceID()).Fatalf(format, v...)
}

// Flush waits for all pending log messages to be written
func Flush() {
	logMu.Lock()
	defer logMu.Unlock()

	if logChan != nil {
		close(logChan)
		logWg.Wait()
		logChan = nil
		logWorker = sync.Once{}
	}
}
