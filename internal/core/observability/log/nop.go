package log

var _ Log = nopLogger{}

type nopLogger struct{}

// Nop returns a logger that discards everything. Intended for tests and as a
// safe default when a component is constructed without a logger.
func Nop() Log { return nopLogger{} }

func (nopLogger) Debug(string, ...Field) {}
func (nopLogger) Info(string, ...Field)  {}
func (nopLogger) Warn(string, ...Field)  {}
func (nopLogger) Error(string, ...Field) {}
func (nopLogger) Fatal(string, ...Field) {}

func (n nopLogger) With(...Field) Log { return n }

func (nopLogger) SetLevel(Level)  {}
func (nopLogger) GetLevel() Level { return LevelFatal }
