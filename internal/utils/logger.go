// internal/utils/logger.go
package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	logFileMu sync.Mutex
	logFile   *os.File
)

// InitLogger 把标准库log的输出同时写到stdout和指定的日志文件。
// 失败时保持纯stdout输出，调用方决定是否容忍。
func InitLogger(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile != nil {
		logFile.Close()
	}
	logFile = file

	log.SetOutput(io.MultiWriter(os.Stdout, file))
	return nil
}

// CloseLogger 关闭日志文件并把输出还原到stdout
func CloseLogger() {
	logFileMu.Lock()
	defer logFileMu.Unlock()

	if logFile != nil {
		log.SetOutput(os.Stdout)
		logFile.Close()
		logFile = nil
	}
}
