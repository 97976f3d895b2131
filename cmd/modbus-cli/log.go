package main

import "github.com/sirupsen/logrus"

// frameLogger logs the frames of the client at debug level.
type frameLogger struct {
	*logrus.Logger
}

func (log *frameLogger) Printf(msg string, args ...interface{}) {
	log.Logger.Debugf(msg, args...)
}
