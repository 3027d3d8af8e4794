package globals

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// ConfigureLogging sets the logger level and format
func ConfigureLogging(level string) {
	log.SetLevel(xlatLogLevel(level))
	log.SetFormatter(&log.TextFormatter{})
}

// xlatLogLevel translates the passed 'level' string to a logger const
func xlatLogLevel(level string) log.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return log.TraceLevel
	case "DEBUG":
		return log.DebugLevel
	case "WARN":
		return log.WarnLevel
	case "ERROR":
		return log.ErrorLevel
	}
	return log.InfoLevel
}

// Phase emits the banner that groups the log records of one cleanup phase.
func Phase(name string) {
	log.Infof("-- %s", name)
}
