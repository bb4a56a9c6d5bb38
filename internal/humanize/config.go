// Package humanize computes human-like reply pacing: read, type and pause
// durations, and the splitting of long replies into chunks.
//
// Everything here is pure; the dispatcher applies the resulting plan.
package humanize

import (
	"errors"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Setting keys recognised in global and per-owner settings.
const (
	KeyEnabled               = "enabled"
	KeyShowTyping            = "show_typing_indicator"
	KeyMinResponseDelay      = "min_response_delay"
	KeyMaxResponseDelay      = "max_response_delay"
	KeyWPMReading            = "wpm_reading"
	KeyCPMTyping             = "cpm_typing"
	KeyTypingVariancePct     = "typing_variance_pct"
	KeyLongMessageThreshold  = "long_message_threshold"
	KeyLongMessageExtraDelay = "long_message_extra_delay"
	KeySplitMessages         = "split_messages"
	KeySplitThreshold        = "split_threshold"
	KeyChunkDelay            = "chunk_delay"
)

// Keys lists every recognised setting key.
var Keys = []string{
	KeyEnabled, KeyShowTyping, KeyMinResponseDelay, KeyMaxResponseDelay,
	KeyWPMReading, KeyCPMTyping, KeyTypingVariancePct, KeyLongMessageThreshold,
	KeyLongMessageExtraDelay, KeySplitMessages, KeySplitThreshold, KeyChunkDelay,
}

// Config holds the pacing options for one bot identity.
// Duration settings are read as integer milliseconds or Go duration strings.
type Config struct {
	Enabled    bool
	ShowTyping bool

	MinResponseDelay time.Duration `validate:"gte=0s,lte=5m"`
	MaxResponseDelay time.Duration `validate:"gtefield=MinResponseDelay,lte=10m"`

	WPMReading        int `validate:"gte=30,lte=2000"`
	CPMTyping         int `validate:"gte=30,lte=6000"`
	TypingVariancePct int `validate:"gte=0,lte=90"`

	LongMessageThreshold  int           `validate:"gte=1"`
	LongMessageExtraDelay time.Duration `validate:"gte=0s,lte=1m"`

	SplitMessages  bool
	SplitThreshold int           `validate:"gte=20,lte=4096"`
	ChunkPause     time.Duration `validate:"gte=0s,lte=10s"`
}

// Defaults returns the safe hard-coded configuration.
func Defaults() Config {
	return Config{
		Enabled:               true,
		ShowTyping:            true,
		MinResponseDelay:      1 * time.Second,
		MaxResponseDelay:      12 * time.Second,
		WPMReading:            200,
		CPMTyping:             300,
		TypingVariancePct:     20,
		LongMessageThreshold:  150,
		LongMessageExtraDelay: 2 * time.Second,
		SplitMessages:         true,
		SplitThreshold:        240,
		ChunkPause:            350 * time.Millisecond,
	}
}

// Disabled returns a configuration with pacing turned off, for tests and non-humanized operation.
func Disabled() Config {
	c := Defaults()
	c.Enabled = false
	return c
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Resolve layers owner settings over global settings over Defaults.
// Values that fail to parse or fall outside the allowed range are replaced by defaults.
func Resolve(global, owner map[string]string) Config {
	cfg := Defaults()
	cfg.apply(global, "global")
	cfg.apply(owner, "owner")
	cfg.sanitize()
	return cfg
}

func (c *Config) apply(raw map[string]string, scope string) {
	prev := *c
	for key, val := range raw {
		val = strings.TrimSpace(val)
		if val == "" {
			continue
		}
		var err error
		switch key {
		case KeyEnabled:
			c.Enabled, err = parseBool(val)
		case KeyShowTyping:
			c.ShowTyping, err = parseBool(val)
		case KeySplitMessages:
			c.SplitMessages, err = parseBool(val)
		case KeyMinResponseDelay:
			c.MinResponseDelay, err = parseMillis(val)
		case KeyMaxResponseDelay:
			c.MaxResponseDelay, err = parseMillis(val)
		case KeyLongMessageExtraDelay:
			c.LongMessageExtraDelay, err = parseMillis(val)
		case KeyChunkDelay:
			c.ChunkPause, err = parseMillis(val)
		case KeyWPMReading:
			c.WPMReading, err = strconv.Atoi(val)
		case KeyCPMTyping:
			c.CPMTyping, err = strconv.Atoi(val)
		case KeyTypingVariancePct:
			c.TypingVariancePct, err = strconv.Atoi(val)
		case KeyLongMessageThreshold:
			c.LongMessageThreshold, err = strconv.Atoi(val)
		case KeySplitThreshold:
			c.SplitThreshold, err = strconv.Atoi(val)
		default:
			continue
		}
		if err != nil {
			slog.Warn("humanize.Config invalid setting, keeping previous value", "scope", scope, "key", key, "value", val, "error", err)
			c.restoreKey(key, prev)
		}
	}
}

// restoreKey puts back the value d held for a key whose new value failed to parse.
func (c *Config) restoreKey(key string, d Config) {
	switch key {
	case KeyEnabled:
		c.Enabled = d.Enabled
	case KeyShowTyping:
		c.ShowTyping = d.ShowTyping
	case KeySplitMessages:
		c.SplitMessages = d.SplitMessages
	case KeyMinResponseDelay:
		c.MinResponseDelay = d.MinResponseDelay
	case KeyMaxResponseDelay:
		c.MaxResponseDelay = d.MaxResponseDelay
	case KeyLongMessageExtraDelay:
		c.LongMessageExtraDelay = d.LongMessageExtraDelay
	case KeyChunkDelay:
		c.ChunkPause = d.ChunkPause
	case KeyWPMReading:
		c.WPMReading = d.WPMReading
	case KeyCPMTyping:
		c.CPMTyping = d.CPMTyping
	case KeyTypingVariancePct:
		c.TypingVariancePct = d.TypingVariancePct
	case KeyLongMessageThreshold:
		c.LongMessageThreshold = d.LongMessageThreshold
	case KeySplitThreshold:
		c.SplitThreshold = d.SplitThreshold
	}
}

// sanitize replaces every out-of-range field with its default.
func (c *Config) sanitize() {
	err := validate.Struct(c)
	if err == nil {
		return
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		slog.Error("humanize.Config validation failed unexpectedly, using defaults", "error", err)
		*c = Defaults()
		return
	}

	d := reflect.ValueOf(Defaults())
	v := reflect.ValueOf(c).Elem()
	for _, fe := range verrs {
		name := fe.StructField()
		slog.Warn("humanize.Config setting out of range, using default", "field", name, "tag", fe.Tag(), "value", fe.Value())
		v.FieldByName(name).Set(d.FieldByName(name))
	}
	if c.MaxResponseDelay < c.MinResponseDelay {
		dc := Defaults()
		c.MinResponseDelay, c.MaxResponseDelay = dc.MinResponseDelay, dc.MaxResponseDelay
	}
}

// Validate reports whether the configuration is within the allowed ranges.
func (c Config) Validate() error {
	return validate.Struct(c)
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "1", "yes", "on":
		return true, nil
	case "false", "0", "no", "off":
		return false, nil
	}
	return false, strconv.ErrSyntax
}

// parseMillis accepts integer milliseconds ("1500") or a Go duration ("1.5s").
func parseMillis(s string) (time.Duration, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}
