package log

import "github.com/robfig/cron/v3"

type cronLogger struct{}

// Cron adapts the package logger to cron.Logger. Scheduler chatter goes to
// debug; job failures and recovered panics go to error.
func Cron() cron.Logger {
	return cronLogger{}
}

func (cronLogger) Info(msg string, kv ...interface{}) {
	Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	Error("cron: "+msg, err, kv...)
}
