// Package logging wires the engine and CLI onto a single shared logrus
// logger, adapted from the teacher pack's convention of a package-level
// logrus logger configured once from a level name.
package logging

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SetLevelFromName sets logrus's global level from a level name, falling
// back to Warn on an unrecognised name rather than failing startup over it.
func SetLevelFromName(levelName string) {
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		logrus.SetLevel(logrus.WarnLevel)
		logrus.Warnf("unknown loglevel %q, using warn", levelName)
		return
	}
	logrus.SetLevel(level)
	logrus.Infof("loglevel set to %s", levelName)
}

// NewEntry returns a logrus.Entry on the standard logger tagged with
// component; the CLI uses it for its own log lines.
func NewEntry(component string) *logrus.Entry {
	return logrus.StandardLogger().WithField("component", component)
}

// LoggedErrorf builds an error from format/values, logging it at Error
// level before returning it, so a caller that discards the error still
// leaves a trace.
func LoggedErrorf(format string, values ...interface{}) error {
	err := fmt.Errorf(format, values...)
	logrus.Error(err)
	return err
}
