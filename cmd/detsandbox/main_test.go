package main

import (
	"testing"

	"github.com/sirupsen/logrus"
)

func TestConfigureLoggingAppliesLevelAndFormat(t *testing.T) {
	t.Cleanup(func() { logLevel, logFormat = "info", "text" })

	logLevel, logFormat = "debug", "json"
	if err := configureLogging(); err != nil {
		t.Fatalf("configureLogging: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("level: got %v, want debug", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.JSONFormatter); !ok {
		t.Errorf("formatter: got %T, want *logrus.JSONFormatter", log.Formatter)
	}
}

func TestConfigureLoggingRejectsUnknownLevel(t *testing.T) {
	t.Cleanup(func() { logLevel = "info" })
	logLevel = "not-a-level"
	if err := configureLogging(); err == nil {
		t.Error("want an error for an unrecognized --log-level")
	}
}

func TestConfigureLoggingRejectsUnknownFormat(t *testing.T) {
	t.Cleanup(func() { logLevel, logFormat = "info", "text" })
	logLevel, logFormat = "info", "xml"
	if err := configureLogging(); err == nil {
		t.Error("want an error for an unrecognized --log-format")
	}
}

func TestLoadPolicyRequiresConfigFlag(t *testing.T) {
	t.Cleanup(func() { configPath = "" })
	configPath = ""
	if _, err := loadPolicy(); err == nil {
		t.Error("want an error when --config is unset")
	}
}
