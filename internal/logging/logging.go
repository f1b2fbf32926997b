// Package logging centralizes logrus setup, matching the field-tagged
// formatter idiom the teacher's cmd/*/main.go entry points use.
package logging

import "github.com/sirupsen/logrus"

// Setup configures the standard logger's level and a component field, and
// returns a *logrus.Entry pre-tagged with that field for the caller to
// derive sub-entries from (mirroring tide's logger.WithField("controller", ...)).
func Setup(verbose bool, component string) *logrus.Entry {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	level := logrus.InfoLevel
	if verbose {
		level = logrus.DebugLevel
	}
	logrus.SetLevel(level)
	return logrus.WithField("component", component)
}
