// Package telemetry reports anonymous command usage to PostHog. It is off
// unless an API key is configured.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/posthog/posthog-go"
)

const defaultHost = "https://us.i.posthog.com"

var (
	client   posthog.Client
	once     sync.Once
	disabled bool
	anonID   string
)

type Settings struct {
	Enabled  bool
	APIKey   string
	Endpoint string
}

// OptedOut reports whether the environment disables telemetry.
func OptedOut(getenv func(string) string) bool {
	return getenv("STORESYNC_NO_TELEMETRY") != "" || getenv("DO_NOT_TRACK") == "1"
}

// Init starts the telemetry client once.
func Init(s Settings) {
	once.Do(func() {
		if !s.Enabled || s.APIKey == "" || OptedOut(os.Getenv) {
			disabled = true
			return
		}

		anonID = generateAnonID()

		endpoint := s.Endpoint
		if endpoint == "" {
			endpoint = defaultHost
		}
		var err error
		client, err = posthog.NewWithConfig(s.APIKey, posthog.Config{
			Endpoint: endpoint,
			Interval: 5 * time.Second,
		})
		if err != nil {
			disabled = true
			return
		}
	})
}

// Enabled reports whether events are being sent.
func Enabled() bool {
	return !disabled && client != nil
}

// Close flushes and closes the telemetry client
func Close() {
	if client != nil {
		_ = client.Close()
	}
}

func Track(event string, properties map[string]interface{}) {
	if !Enabled() {
		return
	}

	props := posthog.NewProperties()
	props.Set("os", runtime.GOOS)
	props.Set("arch", runtime.GOARCH)
	props.Set("version", Version)

	for k, v := range properties {
		props.Set(k, v)
	}

	_ = client.Enqueue(posthog.Capture{
		DistinctId: anonID,
		Event:      event,
		Properties: props,
	})
}

// TrackCommand tracks a CLI command usage
func TrackCommand(command string) {
	Track("command", map[string]interface{}{
		"command": command,
	})
}

// TrackSync records the size of a sync session: objects imported and events
// applied. No ids or field values are sent.
func TrackSync(objects, events int) {
	Track("sync", map[string]interface{}{
		"objects": objects,
		"events":  events,
	})
}

// TrackError tracks an error event (anonymized)
func TrackError(context string) {
	Track("error", map[string]interface{}{
		"context": context,
	})
}

// generateAnonID creates a stable anonymous ID for this machine
func generateAnonID() string {
	home, _ := os.UserHomeDir()
	hostname, _ := os.Hostname()

	data := home + hostname + "storesync-salt-v1"
	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:16])
}

// Version is set by the calling package
var Version = "dev"

func SetVersion(v string) {
	Version = v
}
