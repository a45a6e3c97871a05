package log

type nopLogger struct{}

// Interface assertions
var _ Logger = (*nopLogger)(nil)

// NewNopLogger returns a logger that doesn't do anything.
func NewNopLogger() Logger { return &nopLogger{} }

func (l *nopLogger) With(...interface{}) Logger {
	return l
}

func (nopLogger) Printf(string, ...interface{}) {}
func (nopLogger) Println(...interface{})        {}
func (nopLogger) Trace(string, ...interface{})  {}
func (nopLogger) Debug(string, ...interface{})  {}
func (nopLogger) Info(string, ...interface{})   {}
func (nopLogger) Warn(string, ...interface{})   {}
func (nopLogger) Error(string, ...interface{})  {}
func (nopLogger) Crit(string, ...interface{})   {}

func (nopLogger) GetHandler() Handler {
	return DiscardHandler()
}

func (nopLogger) SetHandler(Handler) {}
