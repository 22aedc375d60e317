package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"
)

var (
	customLog logger
	mu        sync.RWMutex
)

type logger struct {
	zl    zerolog.Logger
	level zerolog.Level
	dir   string
	file  *os.File
}

func init() {
	InitLogger()
}

// InitLogger installs a colored console logger on stdout at info level.
func InitLogger() {
	mu.Lock()
	defer mu.Unlock()

	customLog = logger{
		zl:    newConsole(os.Stdout, zerolog.InfoLevel),
		level: zerolog.InfoLevel,
	}
}

// Configure sets the level and output format of the current logger.
func Configure(level string, json bool) {
	mu.Lock()
	defer mu.Unlock()

	customLog.level = parseLevel(level)
	var w io.Writer = os.Stdout
	if customLog.file != nil {
		w = customLog.file
	}

	if json || customLog.file != nil {
		customLog.zl = newJSON(w, customLog.level)
	} else {
		customLog.zl = newConsole(w, customLog.level)
	}
}

// ResetLogger redirects all further output to <home>/logs/<binary>.<pid>.log.
func ResetLogger(home string) {
	dir := filepath.Join(home, "logs")
	if home == "" {
		osHome, err := os.UserHomeDir()
		if err != nil {
			Fatalf("Failed to get user home directory: %v", err)
		}
		dir = filepath.Join(osHome, ".executord", "logs")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		Fatalf("Failed to create log directory %s: %v", dir, err)
	}

	name := fmt.Sprintf("%s.%d.log", filepath.Base(os.Args[0]), os.Getpid())
	path := filepath.Join(dir, name)
	file, err := os.Create(path)
	if err != nil {
		Fatalf("Failed to create log file: %v", err)
	}

	Infof("From now on, all logs will be written to %s", path)

	mu.Lock()
	defer mu.Unlock()
	customLog.dir = dir
	customLog.file = file
	customLog.zl = newJSON(file, customLog.level)
}

// SetOutput replaces the writer of the current logger, keeping its level. JSON only.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	customLog.zl = newJSON(w, customLog.level)
}

// Component returns a child logger tagged with the given component name.
func Component(name string) zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	return customLog.zl.With().Str("component", name).Logger()
}

func newConsole(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	output := zerolog.ConsoleWriter{
		Out:        w,
		TimeFormat: "15:04:05.000",
	}

	return zerolog.New(output).Level(lvl).With().Timestamp().Logger()
}

func newJSON(w io.Writer, lvl zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(lvl).With().Timestamp().CallerWithSkipFrameCount(3).Logger()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func current() *zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()

	zl := customLog.zl
	return &zl
}

func Debug(v ...any) {
	current().Debug().Msg(fmt.Sprint(v...))
}

func Debugf(format string, v ...any) {
	current().Debug().Msgf(format, v...)
}

func Info(v ...any) {
	current().Info().Msg(fmt.Sprint(v...))
}

func Infof(format string, v ...any) {
	current().Info().Msgf(format, v...)
}

func Warnf(format string, v ...any) {
	current().Warn().Msgf(format, v...)
}

func Error(v ...any) {
	current().Error().Msg(fmt.Sprint(v...))
}

func Errorf(format string, v ...any) {
	current().Error().Msgf(format, v...)
}

func Fatal(v ...any) {
	current().Fatal().Msg(fmt.Sprint(v...))
}

func Fatalf(format string, v ...any) {
	current().Fatal().Msgf(format, v...)
}
