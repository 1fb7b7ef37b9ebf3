package infra

import (
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// ConfigureLogger 按 IM_LOG_LEVEL（debug/info/warn...）与 IM_LOG_FORMAT（text/json）设置全局 logrus。
func ConfigureLogger() {
	level, err := logrus.ParseLevel(envString("IM_LOG_LEVEL", "info"))
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
	logrus.SetOutput(os.Stderr)

	if strings.EqualFold(os.Getenv("IM_LOG_FORMAT"), "json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
		return
	}
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}
