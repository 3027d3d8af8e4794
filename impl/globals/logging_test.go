package globals

import (
	"testing"

	log "github.com/sirupsen/logrus"
)

func TestConfigureLogging(t *testing.T) {
	cases := map[string]log.Level{
		"trace": log.TraceLevel,
		"DEBUG": log.DebugLevel,
		"info":  log.InfoLevel,
		"warn":  log.WarnLevel,
		"error": log.ErrorLevel,
		"bogus": log.InfoLevel,
		"":      log.InfoLevel,
	}
	for level, want := range cases {
		ConfigureLogging(level)
		if log.GetLevel() != want {
			t.Errorf("%q: got %s want %s", level, log.GetLevel(), want)
		}
	}
}
