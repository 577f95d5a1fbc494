package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Channel is one entry of the watch list. UserID is optional in the file;
// missing ids are resolved against the API at startup.
type Channel struct {
	UserLogin   string `yaml:"user_login"`
	UserID      string `yaml:"user_id,omitempty"`
	DisplayName string `yaml:"display_name,omitempty"`
	Enabled     *bool  `yaml:"enabled,omitempty"`
	Notes       string `yaml:"notes,omitempty"`
}

type channelsFile struct {
	IntervalMinutes int       `yaml:"interval_minutes,omitempty"`
	Channels        []Channel `yaml:"channels"`
}

// WatchList is the parsed channels file: the enabled channels plus an
// optional poll interval override.
type WatchList struct {
	Channels     []Channel
	PollInterval time.Duration // zero when the file does not set interval_minutes
}

// LoadChannels reads the YAML watch list and returns the enabled entries with
// logins lowercased.
func LoadChannels(path string) ([]Channel, error) {
	wl, err := LoadWatchList(path)
	if err != nil {
		return nil, err
	}
	return wl.Channels, nil
}

// LoadWatchList reads the YAML watch list. Entries without a user_login and
// disabled entries are skipped; duplicates are collapsed keeping the first
// occurrence.
func LoadWatchList(path string) (*WatchList, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read channels file: %w", err)
	}
	var f channelsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse channels file %s: %w", path, err)
	}
	if f.IntervalMinutes < 0 {
		return nil, fmt.Errorf("channels file %s: negative interval_minutes", path)
	}

	seen := make(map[string]bool)
	out := make([]Channel, 0, len(f.Channels))
	for _, ch := range f.Channels {
		login := strings.ToLower(strings.TrimSpace(strings.TrimPrefix(ch.UserLogin, "#")))
		if login == "" {
			continue
		}
		if ch.Enabled != nil && !*ch.Enabled {
			continue
		}
		if seen[login] {
			continue
		}
		seen[login] = true
		ch.UserLogin = login
		out = append(out, ch)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("channels file %s has no enabled channels", path)
	}
	return &WatchList{
		Channels:     out,
		PollInterval: time.Duration(f.IntervalMinutes) * time.Minute,
	}, nil
}
