package logs

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the process wide logger. It is usable before Init.
var Logger = logrus.New()

type Options struct {
	Level  string
	Format string // text | json
	File   string
}

func Init(o Options) {
	lvl, err := logrus.ParseLevel(strings.ToLower(strings.TrimSpace(o.Level)))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Logger.SetLevel(lvl)

	if strings.EqualFold(o.Format, "json") {
		Logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	var out io.Writer = os.Stderr
	if o.File != "" {
		f, err := os.OpenFile(o.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			Logger.SetOutput(os.Stderr)
			Logger.Warnf("log file %s: %v, logging to stderr", o.File, err)
			return
		}
		out = f
	}
	Logger.SetOutput(out)
}

type ctxKey int

const (
	keyRequestID ctxKey = iota
	keyUser
)

func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

func RequestID(ctx context.Context) string {
	s, _ := ctx.Value(keyRequestID).(string)
	return s
}

func WithUser(ctx context.Context, username string) context.Context {
	return context.WithValue(ctx, keyUser, username)
}

// WithContext returns an entry carrying the request id and user, when set.
func WithContext(ctx context.Context) *logrus.Entry {
	e := logrus.NewEntry(Logger)
	if ctx == nil {
		return e
	}
	if id := RequestID(ctx); id != "" {
		e = e.WithField("request_id", id)
	}
	if u, _ := ctx.Value(keyUser).(string); u != "" {
		e = e.WithField("user", u)
	}
	return e
}

// For tags an entry with the service and operation being run.
func For(ctx context.Context, service, operation string) *logrus.Entry {
	return WithContext(ctx).WithFields(logrus.Fields{"service": service, "operation": operation})
}
