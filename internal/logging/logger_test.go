package logging

import (
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	otellog "go.opentelemetry.io/otel/log"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input string
		want  logrus.Level
	}{
		{"trace", logrus.TraceLevel},
		{"debug", logrus.DebugLevel},
		{"info", logrus.InfoLevel},
		{"warn", logrus.WarnLevel},
		{"warning", logrus.WarnLevel},
		{"error", logrus.ErrorLevel},
		{"fatal", logrus.FatalLevel},
		{"DEBUG", logrus.DebugLevel},
		{"", logrus.InfoLevel},
		{"bogus", logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.input))
		})
	}
}

func TestNewJSONFormat(t *testing.T) {
	logger := New("debug", "json")

	assert.Equal(t, logrus.DebugLevel, logger.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, logger.Formatter)
}

func TestNewTextFormat(t *testing.T) {
	logger := New("warn", "text")

	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
	assert.IsType(t, &logrus.TextFormatter{}, logger.Formatter)
}

func TestWithComponent(t *testing.T) {
	logger := New("info", "text")
	entry := WithComponent(logger, "stream")

	assert.Equal(t, "stream", entry.Data["component"])
}

func TestSeverityFor(t *testing.T) {
	tests := []struct {
		level logrus.Level
		want  otellog.Severity
	}{
		{logrus.TraceLevel, otellog.SeverityTrace},
		{logrus.DebugLevel, otellog.SeverityDebug},
		{logrus.InfoLevel, otellog.SeverityInfo},
		{logrus.WarnLevel, otellog.SeverityWarn},
		{logrus.ErrorLevel, otellog.SeverityError},
		{logrus.FatalLevel, otellog.SeverityFatal},
		{logrus.PanicLevel, otellog.SeverityFatal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, severityFor(tt.level))
	}
}
