package metrics

import (
	"fmt"
	"log"
	"os"
	"path"
	"time"
)

type Logger interface {
	Log(info *TileInfo)
}

type StdoutLogger struct{}

func NewStdoutLogger() *StdoutLogger {
	return &StdoutLogger{}
}

func (l *StdoutLogger) Log(info *TileInfo) {
	infoStr, err := info.ToJSON()
	if err == nil {
		log.Print(infoStr)
	} else {
		log.Printf("StdoutLogger: error: %v", err)
	}
}

const defaultQueueSize = 2000
const defaultMaxLogFileSize = 1024 * 1024 * 1024

// FileLogger queues tile records and writes them to a size-rotated log
// file without blocking pipeline workers.
type FileLogger struct {
	Queue          chan *TileInfo
	LogDir         string
	MaxLogFileSize int64
}

func NewFileLogger(logDir string, maxLogFileSize int64) *FileLogger {
	if maxLogFileSize <= 0 {
		maxLogFileSize = defaultMaxLogFileSize
	}
	logger := &FileLogger{
		Queue:          make(chan *TileInfo, defaultQueueSize),
		LogDir:         logDir,
		MaxLogFileSize: maxLogFileSize,
	}
	go logger.startLogWriter()
	return logger
}

func (l *FileLogger) Log(info *TileInfo) {
	l.Queue <- info
}

func (l *FileLogger) startLogWriter() {
	f, err := l.openLogFile()
	if err != nil {
		log.Printf("FileLogger: log open error: %v", err)
	}

	for info := range l.Queue {
		infoStr, err := info.ToJSON()
		if err != nil {
			log.Printf("FileLogger: info.ToJSON() error: %v", err)
			continue
		}

		f, err = l.tryRotateLogFile(f)
		if err != nil {
			continue
		}
		if _, err := f.WriteString(infoStr); err != nil {
			log.Printf("FileLogger: write error: %v", err)
			continue
		}
		f.Sync()
	}
}

func (l *FileLogger) openLogFile() (*os.File, error) {
	logFilePath := path.Join(l.LogDir, "tiles.log")
	return os.OpenFile(logFilePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
}

func (l *FileLogger) tryRotateLogFile(currFile *os.File) (*os.File, error) {
	info, err := currFile.Stat()
	if err != nil {
		log.Printf("FileLogger: log rotation error: %v", err)
		return currFile, nil
	}
	if info.Size() < l.MaxLogFileSize {
		return currFile, nil
	}

	currFile.Close()
	currPath := path.Join(l.LogDir, "tiles.log")
	rotatedPath := path.Join(l.LogDir, fmt.Sprintf("tiles.log.%d", time.Now().Unix()))
	if err := os.Rename(currPath, rotatedPath); err != nil {
		log.Printf("FileLogger: log rotation error: %v", err)
	}

	f, err := l.openLogFile()
	if err != nil {
		log.Printf("FileLogger: log rotation error: %v", err)
	}
	return f, err
}
