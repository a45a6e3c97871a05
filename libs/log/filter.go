package log

import (
	"fmt"
)

type level byte

const (
	levelTrace level = 1 << iota
	levelDebug
	levelInfo
	levelWarn
	levelError
	levelCrit
)

// Filter drops records below the allowed level. Levels may be overridden
// for loggers carrying a specific key/value pair, usually "module".
type Filter struct {
	next           Logger
	allowed        level            // XOR'd levels for default case
	allowedKeyvals map[keyval]level // When key-value match, use this level
}

type keyval struct {
	key   interface{}
	value interface{}
}

// NewFilter wraps next and implements filtering. See the commentary on the
// Option functions for a detailed description of how to configure levels. If
// no options are provided, all leveled log events are squelched.
func NewFilter(next Logger, options ...Option) Logger {
	l := &Filter{
		next:           next,
		allowedKeyvals: make(map[keyval]level),
	}
	for _, option := range options {
		option(l)
	}
	return l
}

func (l *Filter) Printf(format string, params ...interface{}) {
	l.Info(fmt.Sprintf(format, params...))
}

func (l *Filter) Println(params ...interface{}) {
	l.Info(fmt.Sprint(params...))
}

func (l *Filter) Trace(msg string, ctx ...interface{}) {
	if l.allowed&levelTrace == 0 {
		return
	}
	l.next.Trace(msg, ctx...)
}

func (l *Filter) Debug(msg string, ctx ...interface{}) {
	if l.allowed&levelDebug == 0 {
		return
	}
	l.next.Debug(msg, ctx...)
}

func (l *Filter) Info(msg string, ctx ...interface{}) {
	if l.allowed&levelInfo == 0 {
		return
	}
	l.next.Info(msg, ctx...)
}

func (l *Filter) Warn(msg string, ctx ...interface{}) {
	if l.allowed&levelWarn == 0 {
		return
	}
	l.next.Warn(msg, ctx...)
}

func (l *Filter) Error(msg string, ctx ...interface{}) {
	if l.allowed&levelError == 0 {
		return
	}
	l.next.Error(msg, ctx...)
}

func (l *Filter) Crit(msg string, ctx ...interface{}) {
	if l.allowed&levelCrit == 0 {
		return
	}
	l.next.Crit(msg, ctx...)
}

func (l *Filter) GetHandler() Handler {
	return l.next.GetHandler()
}

func (l *Filter) SetHandler(h Handler) {
	l.next.SetHandler(h)
}

// With implements Logger by constructing a new Filter with a ctx appended
// to the logger.
//
// If custom level was set for a keyval pair using one of the
// Allow*With methods, it is used as the logger's level.
//
// Examples:
//     logger = log.NewFilter(logger, log.AllowError(), log.AllowInfoWith("module", "dht"))
//     logger.With("module", "dht").Info("Hello") # produces "INFO ... Hello module=dht"
//
//     logger = log.NewFilter(logger, log.AllowError(), log.AllowNoneWith("module", "pool"))
//     logger.With("module", "pool").Error("Hello") # produces nothing
func (l *Filter) With(ctx ...interface{}) Logger {
	for i := len(ctx) - 2; i >= 0; i -= 2 {
		for kv, allowed := range l.allowedKeyvals {
			if ctx[i] == kv.key && ctx[i+1] == kv.value {
				return &Filter{next: l.next.With(ctx...), allowed: allowed, allowedKeyvals: l.allowedKeyvals}
			}
		}
	}
	return &Filter{next: l.next.With(ctx...), allowed: l.allowed, allowedKeyvals: l.allowedKeyvals}
}

//--------------------------------------------------------------------------------

// Option sets a parameter for the Filter.
type Option func(*Filter)

// AllowLevel returns an option for the given level or error if no option exist
// for such level.
func AllowLevel(lvl string) (Option, error) {
	mask, err := levelMask(lvl)
	if err != nil {
		return nil, err
	}
	return allowed(mask), nil
}

const (
	lvlBaseTrace = levelCrit | levelError | levelWarn | levelInfo | levelDebug | levelTrace
	lvlBaseDebug = levelCrit | levelError | levelWarn | levelInfo | levelDebug
	lvlBaseInfo  = levelCrit | levelError | levelWarn | levelInfo
	lvlBaseWarn  = levelCrit | levelError | levelWarn
	lvlBaseError = levelCrit | levelError
)

func levelMask(lvl string) (level, error) {
	switch lvl {
	case "trace":
		return lvlBaseTrace, nil
	case "debug":
		return lvlBaseDebug, nil
	case "info":
		return lvlBaseInfo, nil
	case "warn":
		return lvlBaseWarn, nil
	case "error":
		return lvlBaseError, nil
	case "crit":
		return levelCrit, nil
	case "none":
		return 0, nil
	default:
		return 0, fmt.Errorf("Expected either \"trace\", \"debug\", \"info\", \"warn\", \"error\", \"crit\" or \"none\" level, given %s", lvl)
	}
}

func AllowAll() Option   { return allowed(lvlBaseTrace) }
func AllowDebug() Option { return allowed(lvlBaseDebug) }
func AllowInfo() Option  { return allowed(lvlBaseInfo) }
func AllowWarn() Option  { return allowed(lvlBaseWarn) }
func AllowError() Option { return allowed(lvlBaseError) }
func AllowCrit() Option  { return allowed(levelCrit) }
func AllowNone() Option  { return allowed(0) }

func allowed(allowed level) Option {
	return func(l *Filter) { l.allowed = allowed }
}

// AllowLevelWith sets the level used by loggers carrying key=value.
func AllowLevelWith(lvl string, key interface{}, value interface{}) (Option, error) {
	mask, err := levelMask(lvl)
	if err != nil {
		return nil, err
	}
	return func(l *Filter) { l.allowedKeyvals[keyval{key, value}] = mask }, nil
}

func AllowDebugWith(key interface{}, value interface{}) Option {
	return func(l *Filter) { l.allowedKeyvals[keyval{key, value}] = lvlBaseDebug }
}

func AllowInfoWith(key interface{}, value interface{}) Option {
	return func(l *Filter) { l.allowedKeyvals[keyval{key, value}] = lvlBaseInfo }
}

func AllowErrorWith(key interface{}, value interface{}) Option {
	return func(l *Filter) { l.allowedKeyvals[keyval{key, value}] = lvlBaseError }
}

func AllowNoneWith(key interface{}, value interface{}) Option {
	return func(l *Filter) { l.allowedKeyvals[keyval{key, value}] = 0 }
}
