package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

const defaultMinStatus = INFO

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

// Level returns the numeric level of this status, suitable
// for use with SetMinLoggingLevel.
func (e LogStatus) Level() int { return int(e) }

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                //Verbose
		color.New(color.FgWhite, color.Italic),                //Debug
		color.New(color.FgWhite),                              //Info
		color.New(color.FgHiGreen),                            //Success
		color.New(color.FgGreen, color.Italic),                //New
		color.New(color.FgYellow, color.Italic),               //Remove
		color.New(color.FgHiYellow),                           //Stop
		color.New(color.FgYellow, color.Underline),            //Warning
		color.New(color.FgHiRed, color.Bold),                  //Error
		color.New(color.FgHiRed, color.Bold, color.Underline), //PANIC
	}[e]
}

type Logger interface {
	Emit(LogStatus, string, ...interface{})
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...interface{}) {
	Log.Emit(status, l.name, message, interpolations...)
}

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogStatus, string, string, ...interface{})
}

var Log LoggerManager = newManager()

type loggerMgr struct {
	sync.Mutex
	offset    int
	minStatus LogStatus
	out       io.Writer
}

func newManager() *loggerMgr {
	return &loggerMgr{minStatus: defaultMinStatus, out: os.Stdout}
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) Emit(status LogStatus, name string, message string, interpolations ...interface{}) {
	l.Lock()
	defer l.Unlock()

	if status < l.minStatus {
		return
	}

	if len(name) > l.offset {
		l.offset = len(name)
	}
	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))

	status.Color().Fprint(l.out, msg)
}

// Get returns a named logger. Loggers are cheap and are typically
// stored as a package-level variable.
func Get(name string) Logger {
	return Log.GetLogger(name)
}

// SetMinLoggingLevel adjusts the minimum level a message must have
// before it is written. Only applies when the default manager is in use.
func SetMinLoggingLevel(level int) {
	if mgr, ok := Log.(*loggerMgr); ok {
		mgr.Lock()
		mgr.minStatus = LogStatus(level)
		mgr.Unlock()
	}
}

// SetOutput redirects all log output to the writer provided. Only
// applies when the default manager is in use.
func SetOutput(w io.Writer) {
	if mgr, ok := Log.(*loggerMgr); ok {
		mgr.Lock()
		mgr.out = w
		mgr.Unlock()
	}
}

// ParseLevel converts a textual level (as found in config files) to
// a LogStatus. Unknown values return an error.
func ParseLevel(level string) (LogStatus, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "verbose":
		return VERBOSE, nil
	case "debug":
		return DEBUG, nil
	case "info", "":
		return INFO, nil
	case "warning", "warn":
		return WARNING, nil
	case "error":
		return ERROR, nil
	}

	return INFO, fmt.Errorf("unknown logging level '%s'", level)
}
