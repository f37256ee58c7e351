// Package settings parses the optional tab-separated settings file
// described in spec.md §6: one "key\tvalue" pair per line, unknown keys
// ignored, missing keys left at their documented defaults.
package settings

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// Settings mirrors the recognized key set: server, download, upload, both,
// streams, load_duration, grace_duration, stream_stagger,
// latency_sample_rate, bandwidth_sample_rate, history.
type Settings struct {
	Server              string
	Download            bool
	Upload              bool
	Both                bool
	Streams             int
	LoadDuration        time.Duration
	GraceDuration       time.Duration
	StreamStagger       time.Duration
	LatencySampleRate   time.Duration
	BandwidthSampleRate time.Duration
	History             time.Duration
}

// Defaults returns the settings a caller should start from before applying
// a parsed file, mirroring crusader's own defaults.
func Defaults() Settings {
	return Settings{
		Server:              "",
		Download:            true,
		Upload:              true,
		Both:                false,
		Streams:             8,
		LoadDuration:        5 * time.Second,
		GraceDuration:       time.Second,
		StreamStagger:       0,
		LatencySampleRate:   5 * time.Millisecond,
		BandwidthSampleRate: 60 * time.Millisecond,
		History:             60 * time.Second,
	}
}

// Parse reads a tab-separated settings file on top of Defaults(). Unknown
// keys are ignored; blank lines and lines starting with "#" are skipped.
// A recognized key with a value that fails to parse returns an error naming
// the offending line.
func Parse(r io.Reader) (Settings, error) {
	s := Defaults()
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" || strings.HasPrefix(strings.TrimSpace(line), "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "\t")
		if !ok {
			return Settings{}, fmt.Errorf("settings: line %d: expected \"key\\tvalue\", got %q", lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := apply(&s, key, value); err != nil {
			return Settings{}, fmt.Errorf("settings: line %d: %w", lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return Settings{}, fmt.Errorf("settings: %w", err)
	}
	return s, nil
}

func apply(s *Settings, key, value string) error {
	switch key {
	case "server":
		s.Server = value
	case "download":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("download: %w", err)
		}
		s.Download = b
	case "upload":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("upload: %w", err)
		}
		s.Upload = b
	case "both":
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("both: %w", err)
		}
		s.Both = b
	case "streams":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("streams: %w", err)
		}
		s.Streams = n
	case "load_duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("load_duration: %w", err)
		}
		s.LoadDuration = d
	case "grace_duration":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("grace_duration: %w", err)
		}
		s.GraceDuration = d
	case "stream_stagger":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("stream_stagger: %w", err)
		}
		s.StreamStagger = d
	case "latency_sample_rate":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("latency_sample_rate: %w", err)
		}
		s.LatencySampleRate = d
	case "bandwidth_sample_rate":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("bandwidth_sample_rate: %w", err)
		}
		s.BandwidthSampleRate = d
	case "history":
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("history: %w", err)
		}
		s.History = d
	default:
		// unknown key, ignored per spec
	}
	return nil
}
