package tubez

import (
	"log"
	"os"
)

// Logger is the logging interface Channel and the tubezhttp fronts accept,
// matching the shape fasthttp.Logger exposes so that a caller already
// using one logging facade in a fasthttp-based service can pass the same
// value through to tubez.
type Logger interface {
	Printf(format string, args ...interface{})
}

type defaultLogger struct {
	l *log.Logger
}

func (d *defaultLogger) Printf(format string, args ...interface{}) {
	d.l.Printf(format, args...)
}

// NewDefaultLogger returns the Logger used when ChannelOpts.Logger is nil.
func NewDefaultLogger() Logger {
	return &defaultLogger{l: log.New(os.Stderr, "tubez: ", log.LstdFlags)}
}
