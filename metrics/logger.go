package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

type Logger interface {
	Log(info *RunSummary)
}

// ZapLogger writes the run summary as one structured log entry.
type ZapLogger struct {
	log *zap.Logger
}

func NewZapLogger(log *zap.Logger) *ZapLogger {
	return &ZapLogger{log: log}
}

func (l *ZapLogger) Log(info *RunSummary) {
	fields := []zap.Field{
		zap.String("run_id", info.RunID),
		zap.String("status", info.Status),
		zap.Duration("duration", info.Duration),
		zap.Int("scenes_considered", info.ScenesConsidered),
		zap.Int("scenes_used", info.ScenesUsed),
		zap.Int("windows", info.Windows),
		zap.Int("corrupt_reads", info.CorruptReads),
		zap.Any("excluded", info.ExclusionCounts()),
		zap.Strings("outputs", info.Outputs),
	}
	if info.Error != "" {
		l.log.Error("run summary", append(fields, zap.String("error", info.Error))...)
		return
	}
	l.log.Info("run summary", fields...)
}

const defaultQueueSize = 64
const defaultMaxLogFileSize = 64 * 1024 * 1024
const defaultMaxLogFiles = 10
const logFileBase = "runs"

// FileLogger appends run summaries as JSON lines to LogDir/runs, rotating
// to runs.N once the file reaches MaxLogFileSize. At most MaxLogFiles
// rotated files are kept; the oldest is overwritten after that.
type FileLogger struct {
	MetricsQueue   chan *RunSummary
	LogDir         string
	MaxLogFileSize int64
	MaxLogFiles    int
	Verbose        bool

	log  *zap.Logger
	wg   sync.WaitGroup
	once sync.Once
}

func NewFileLogger(logDir string, maxLogFileSize int64, maxLogFiles int, verbose bool, log *zap.Logger) (*FileLogger, error) {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	if maxLogFiles <= 0 {
		maxLogFiles = defaultMaxLogFiles
	}
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	logger := &FileLogger{
		MetricsQueue:   make(chan *RunSummary, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
		MaxLogFiles:    maxLogFiles,
		Verbose:        verbose,
		log:            log,
	}

	logger.wg.Add(1)
	go logger.startLogWriter()

	return logger, nil
}

func (l *FileLogger) Log(info *RunSummary) {
	l.MetricsQueue <- info
}

// Close drains the queue and waits for pending summaries to be written.
func (l *FileLogger) Close() {
	l.once.Do(func() {
		close(l.MetricsQueue)
	})
	l.wg.Wait()
}

func (l *FileLogger) startLogWriter() {
	defer l.wg.Done()

	f, err := l.openLogFile()
	if err != nil {
		l.log.Error("FileLogger: log open error", zap.Error(err))
	}

	for info := range l.MetricsQueue {
		infoStr, err := info.ToJSON()
		if err != nil {
			l.log.Error("FileLogger: info.ToJSON() error", zap.Error(err))
			continue
		}

		f, err = l.tryRotateLogFile(f)
		if err != nil {
			continue
		}

		if _, err := f.WriteString(infoStr); err != nil {
			l.log.Error("FileLogger: write error", zap.Error(err))
			continue
		}
		f.Sync()
	}

	if f != nil {
		f.Close()
	}
}

func (l *FileLogger) currentPath() string {
	return filepath.Join(l.LogDir, logFileBase)
}

func (l *FileLogger) openLogFile() (*os.File, error) {
	return os.OpenFile(l.currentPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func (l *FileLogger) tryRotateLogFile(currFile *os.File) (*os.File, error) {
	if currFile == nil {
		return l.openLogFile()
	}

	info, err := currFile.Stat()
	if err != nil {
		l.log.Warn("FileLogger: log rotation error", zap.Error(err))
		return currFile, nil
	}
	if info.Size() < l.MaxLogFileSize {
		return currFile, nil
	}

	var rotatedLogFilePath string
	for i := 0; i < l.MaxLogFiles; i++ {
		filePath := filepath.Join(l.LogDir, fmt.Sprintf("%s.%d", logFileBase, i))
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			rotatedLogFilePath = filePath
			break
		}
	}

	if len(rotatedLogFilePath) == 0 {
		entries, err := os.ReadDir(l.LogDir)
		if err != nil {
			l.log.Warn("FileLogger: log rotation error", zap.Error(err))
			return currFile, nil
		}

		var oldestName string
		oldestTime := time.Now()
		for _, entry := range entries {
			if !entry.Type().IsRegular() || !strings.HasPrefix(entry.Name(), logFileBase+".") {
				continue
			}
			fi, err := entry.Info()
			if err != nil {
				continue
			}
			if fi.ModTime().Before(oldestTime) {
				oldestName = entry.Name()
				oldestTime = fi.ModTime()
			}
		}

		if oldestName != "" {
			rotatedLogFilePath = filepath.Join(l.LogDir, oldestName)
		} else {
			rotatedLogFilePath = filepath.Join(l.LogDir, logFileBase+".0")
		}

		if l.Verbose {
			l.log.Info("FileLogger: maximum number of log files reached", zap.String("overwriting", rotatedLogFilePath))
		}
		if err := os.Remove(rotatedLogFilePath); err != nil {
			l.log.Warn("FileLogger: log rotation error", zap.Error(err))
			return currFile, nil
		}
	}

	currFile.Close()
	if err := os.Rename(l.currentPath(), rotatedLogFilePath); err != nil {
		l.log.Warn("FileLogger: log rotation error", zap.Error(err))
	} else if l.Verbose {
		l.log.Info("FileLogger: log file rotated", zap.String("path", rotatedLogFilePath))
	}

	f, err := l.openLogFile()
	if err != nil {
		l.log.Error("FileLogger: log rotation error", zap.Error(err))
	}
	return f, err
}
