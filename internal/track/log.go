package track

import "github.com/sirupsen/logrus"

// log is the package logger. Caller misuse and data inconsistencies are
// logged here and never abort a round; the front end decides what is fatal.
var log = logrus.WithField("mod", "track")

// SetLogger swaps the package logger, used by the front end to route core
// warnings into its configured output.
func SetLogger(l *logrus.Logger) {
	log = l.WithField("mod", "track")
}
