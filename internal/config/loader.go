package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/ini.v1"

	"jordanella.com/screen-vision/internal/cv"
)

// ApplyINI overrides settings from a legacy Settings.ini file. Only keys present
// in the [UserSettings] section are applied.
func (c *Config) ApplyINI(path string) error {
	file, err := ini.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config file: %w", err)
	}

	section := file.Section("UserSettings")
	has := section.HasKey

	// Device
	if has("adbPath") {
		c.Device.ADBPath = section.Key("adbPath").MustString(c.Device.ADBPath)
	}
	if has("deviceSerial") {
		c.Device.Serial = section.Key("deviceSerial").MustString(c.Device.Serial)
	}

	// Stream
	if has("streamEnabled") {
		c.Stream.Enabled = section.Key("streamEnabled").MustBool(c.Stream.Enabled)
	}
	if has("streamFormat") {
		c.Stream.Format = section.Key("streamFormat").MustString(c.Stream.Format)
	}
	if has("streamMaxFailures") {
		c.Stream.MaxFailures = section.Key("streamMaxFailures").MustInt(c.Stream.MaxFailures)
	}
	if has("ffmpegPath") {
		c.Stream.FFmpegPath = section.Key("ffmpegPath").MustString(c.Stream.FFmpegPath)
	}

	// Matching
	if has("confidence") {
		raw := section.Key("confidence").String()
		conf, err := cv.NewConfidence(raw)
		if err != nil {
			return fmt.Errorf("UserSettings.confidence: %w", err)
		}
		c.Matching.Confidence = conf
	}
	if has("minDistance") {
		c.Matching.MinDistance = section.Key("minDistance").MustInt(c.Matching.MinDistance)
	}
	if has("matcherBackend") {
		c.Matching.Backend = strings.ToLower(section.Key("matcherBackend").MustString(c.Matching.Backend))
	}
	// Delay is the poll interval in milliseconds
	if has("Delay") {
		ms := section.Key("Delay").MustInt(int(c.Matching.PollInterval.Milliseconds()))
		if ms > 0 {
			c.Matching.PollInterval = time.Duration(ms) * time.Millisecond
		}
	}

	// Templates
	if has("templatesDir") {
		c.Templates.Dir = section.Key("templatesDir").MustString(c.Templates.Dir)
	}
	if has("watchTemplates") {
		c.Templates.Watch = section.Key("watchTemplates").MustBool(c.Templates.Watch)
	}

	// Logging
	if has("logLevel") {
		c.Logging.Level = section.Key("logLevel").MustString(c.Logging.Level)
	}
	if section.Key("debugMode").MustBool(false) {
		c.Logging.Level = "DEBUG"
	}
	if has("loggingEnabled") {
		c.Logging.EventLog = section.Key("loggingEnabled").MustBool(c.Logging.EventLog)
	}
	if has("debugSaveScreenshots") {
		c.Logging.DebugSaveScreenshots = section.Key("debugSaveScreenshots").MustInt(c.Logging.DebugSaveScreenshots)
	}

	return c.Validate()
}

// SaveToINI writes the legacy-compatible subset of the config
func (c *Config) SaveToINI(path string) error {
	file := ini.Empty()
	section := file.Section("UserSettings")

	section.Key("adbPath").SetValue(c.Device.ADBPath)
	section.Key("deviceSerial").SetValue(c.Device.Serial)

	section.Key("streamEnabled").SetValue(fmt.Sprintf("%t", c.Stream.Enabled))
	section.Key("streamFormat").SetValue(c.Stream.Format)
	section.Key("streamMaxFailures").SetValue(fmt.Sprintf("%d", c.Stream.MaxFailures))
	section.Key("ffmpegPath").SetValue(c.Stream.FFmpegPath)

	// always with a decimal point so "1" is not read as 1%
	section.Key("confidence").SetValue(strconv.FormatFloat(c.Matching.Confidence.Value(), 'f', 4, 64))
	section.Key("minDistance").SetValue(fmt.Sprintf("%d", c.Matching.MinDistance))
	section.Key("matcherBackend").SetValue(c.Matching.Backend)
	section.Key("Delay").SetValue(fmt.Sprintf("%d", c.Matching.PollInterval.Milliseconds()))

	section.Key("templatesDir").SetValue(c.Templates.Dir)
	section.Key("watchTemplates").SetValue(fmt.Sprintf("%t", c.Templates.Watch))

	section.Key("logLevel").SetValue(c.Logging.Level)
	section.Key("loggingEnabled").SetValue(fmt.Sprintf("%t", c.Logging.EventLog))
	section.Key("debugSaveScreenshots").SetValue(fmt.Sprintf("%d", c.Logging.DebugSaveScreenshots))

	return file.SaveTo(path)
}
