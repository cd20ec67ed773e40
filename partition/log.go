package partition

type Logger interface {
	Infof(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Infof(format string, args ...interface{}) {}
