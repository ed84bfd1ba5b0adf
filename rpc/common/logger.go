package common

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragenboats logger.ILogger)
// --------------------------------------------------------------------------

// rKVLogger implements the ILogger interface with custom formatting
type rKVLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *rKVLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *rKVLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *rKVLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *rKVLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *rKVLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *rKVLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *rKVLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the dragonboat logger.Factory
func CreateLogger(pkgName string) logger.ILogger {
	// Create standard logger with custom flags
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	return &rKVLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return logger.INFO, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// dragonboatLoggers are the loggers of the raft library, they are only interesting when the
// monitor is replicated and stay one level quieter than ours
var dragonboatLoggers = []string{"raft", "raftdb", "rsm", "transport", "dragonboat", "grpc", "util", "logdb"}

// rKVLoggers are the loggers of this module
var rKVLoggers = []string{"store", "monitor", "ring", "node", "rpc", "transport/rpc"}

// InitLoggers installs the custom format for every logger and sets the level
func InitLoggers(level string) error {
	lvl, err := ParseLogLevel(level)
	if err != nil {
		return err
	}

	// Set as the global logger factory for Dragonboat
	logger.SetLoggerFactory(CreateLogger)

	for _, name := range dragonboatLoggers {
		if lvl == logger.DEBUG {
			logger.GetLogger(name).SetLevel(logger.DEBUG)
		} else {
			logger.GetLogger(name).SetLevel(min(lvl, logger.WARNING))
		}
	}
	for _, name := range rKVLoggers {
		logger.GetLogger(name).SetLevel(lvl)
	}
	return nil
}
