package log

import (
	"fmt"
	"strings"
)

type LogLevel uint32

const (
	SilentLevel LogLevel = iota
	ErrorLevel
	WarnLevel
	InfoLevel
	DebugLevel
)

// LogLevelMapping is a mapping for LogLevel enum
var LogLevelMapping = map[string]LogLevel{
	ErrorLevel.String():  ErrorLevel,
	WarnLevel.String():   WarnLevel,
	InfoLevel.String():   InfoLevel,
	DebugLevel.String():  DebugLevel,
	SilentLevel.String(): SilentLevel,
}

func (l LogLevel) String() string {
	switch l {
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warning"
	case ErrorLevel:
		return "error"
	case DebugLevel:
		return "debug"
	case SilentLevel:
		return "silent"
	default:
		return "unknown"
	}
}

func ParseLevel(l string) (LogLevel, error) {
	if lvl, ok := LogLevelMapping[strings.ToLower(l)]; ok {
		return lvl, nil
	}
	return LogLevel(0), fmt.Errorf("not a valid log level: %q", l)
}
