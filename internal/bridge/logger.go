package bridge

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// InitLogger는 애플리케이션의 기본 slog 로거를 설정합니다.
func InitLogger(config *Config) *slog.Logger {
	logger := NewLogger(os.Stdout, config.GetSlogLevel(), false)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a tint handler writing to w with source paths relative
// to the module root.
func NewLogger(w io.Writer, level slog.Level, noColor bool) *slog.Logger {
	_, filename, _, _ := runtime.Caller(0)
	projectRoot := getProjectRoot(filename)

	replaceAttr := func(groups []string, a slog.Attr) slog.Attr {
		if a.Key != slog.SourceKey {
			return a
		}
		source, ok := a.Value.Any().(*slog.Source)
		if !ok {
			return a
		}

		// 프로젝트 루트 밖의 파일(표준 라이브러리 등)은 전체 경로 유지
		if projectRoot != "" && strings.HasPrefix(source.File, projectRoot+string(os.PathSeparator)) {
			source.File = source.File[len(projectRoot)+1:]
		}
		return slog.Any(a.Key, source)
	}

	handler := tint.NewHandler(w, &tint.Options{
		Level:       level,
		AddSource:   true,
		NoColor:     noColor,
		TimeFormat:  time.RFC3339,
		ReplaceAttr: replaceAttr,
	})
	return slog.New(handler)
}

// getProjectRoot는 이 파일(internal/bridge/logger.go) 위치에서 모듈 루트를 계산합니다.
func getProjectRoot(file string) string {
	if file == "" {
		return ""
	}
	return filepath.Dir(filepath.Dir(filepath.Dir(file)))
}
