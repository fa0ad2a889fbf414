package logging

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
)

// Level controls which messages are emitted.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	instanceID     string
	instanceIDOnce sync.Once

	level atomic.Int32

	// Async logging channel and worker
	logChan   chan string
	logWorker sync.Once
	logWg     sync.WaitGroup
	logMu     sync.Mutex
)

func init() {
	level.Store(int32(LevelInfo))
}

// ParseLevel maps a config string to a Level. Unknown values map to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// SetLevel sets the minimum level for Debugf/Logf/Warnf.
func SetLevel(l Level) {
	level.Store(int32(l))
}

// IsDebug reports whether debug messages are emitted.
func IsDebug() bool {
	return Level(level.Load()) <= LevelDebug
}

// initLogWorker starts the async log worker goroutine
func initLogWorker() {
	logMu.Lock()
	defer logMu.Unlock()

	logWorker.Do(func() {
		// Buffer size: 1000 messages
		logChan = make(chan string, 1000)

		logWg.Add(1)
		go func() {
			defer logWg.Done()
			for msg := range logChan {
				log.Print(msg)
			}
		}()
	})
}

// GetInstanceID returns the id prefixed to every log line for this process.
func GetInstanceID() string {
	instanceIDOnce.Do(func() {
		// PROXY_ID first (allows a fixed id), then POD_NAME, then HOSTNAME
		instanceID = os.Getenv("PROXY_ID")
		if instanceID == "" {
			instanceID = os.Getenv("POD_NAME")
		}
		if instanceID == "" {
			instanceID = os.Getenv("HOSTNAME")
		}
		if instanceID == "" {
			hostname, _ := os.Hostname()
			if len(hostname) > 8 {
				instanceID = hostname[len(hostname)-8:]
			} else if hostname != "" {
				instanceID = hostname
			} else {
				instanceID = "unknown"
			}
		}
	})
	return instanceID
}

func emit(msg string) {
	initLogWorker()
	logMsg := fmt.Sprintf("[proxy=%s] %s", GetInstanceID(), msg)

	// Held across the send so Flush cannot close the channel underneath us.
	logMu.Lock()
	defer logMu.Unlock()
	if logChan == nil {
		log.Print(logMsg)
		return
	}

	// Non-blocking send: fall back to sync logging when the buffer is full
	select {
	case logChan <- logMsg:
	default:
		log.Print(logMsg)
	}
}

// Debugf logs a formatted message when the level is debug.
func Debugf(format string, v ...interface{}) {
	if !IsDebug() {
		return
	}
	emit("[debug] " + fmt.Sprintf(format, v...))
}

// Logf logs a formatted message with instance ID prefix (async, non-blocking)
func Logf(format string, v ...interface{}) {
	if Level(level.Load()) > LevelInfo {
		return
	}
	emit(fmt.Sprintf(format, v...))
}

// Log logs a message with instance ID prefix (async, non-blocking)
func Log(v ...interface{}) {
	if Level(level.Load()) > LevelInfo {
		return
	}
	emit(fmt.Sprint(v...))
}

// Warnf logs a warning.
func Warnf(format string, v ...interface{}) {
	if Level(level.Load()) > LevelWarn {
		return
	}
	emit("[warn] " + fmt.Sprintf(format, v...))
}

// Errorf logs an error. Errors are never filtered.
func Errorf(format string, v ...interface{}) {
	emit("[error] " + fmt.Sprintf(format, v...))
}

// Fatalf logs a fatal error and exits (synchronous)
func Fatalf(format string, v ...interface{}) {
	Flush()
	log.Fatalf("[proxy=%s] %s", GetInstanceID(), fmt.Sprintf(format, v...))
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
