package config

import (
	"os"
	"path/filepath"
	"time"
)

type Config struct {
	ListenAddr             string
	DBPath                 string
	FreshnessWindow        time.Duration
	DevicePollInterval     time.Duration
	CompletionPollInterval time.Duration
	CompletionPollAttempts int
	ProcessingTimeout      time.Duration
	RequeueInterval        time.Duration
	MaxDeliveries          int64
	RequestTimeout         time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:             "127.0.0.1:8787",
		DBPath:                 defaultDBPath(),
		FreshnessWindow:        5 * time.Minute,
		DevicePollInterval:     2 * time.Second,
		CompletionPollInterval: 500 * time.Millisecond,
		CompletionPollAttempts: 30,
		ProcessingTimeout:      60 * time.Second,
		RequeueInterval:        15 * time.Second,
		MaxDeliveries:          3,
		RequestTimeout:         10 * time.Second,
	}
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "cash.db"
	}
	return filepath.Join(home, ".local", "state", "heysalad-cash", "cash.db")
}
