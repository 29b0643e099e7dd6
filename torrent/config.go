package torrent

import (
	"os"
	"time"

	"github.com/cenkalti/drizzle/internal/session"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v2"
)

// Resume backends.
const (
	ResumeBackendFile = "file"
	ResumeBackendBolt = "bolt"
)

// Config for Engine.
type Config struct {
	// Engine knobs of every session.
	session.Config `yaml:",inline"`

	// Downloaded files are saved under this directory.
	DataDir string `yaml:"data_dir"`
	// Paused session snapshots are saved in this directory when ResumeBackend is "file".
	PausedSessionsDir string `yaml:"paused_sessions_dir"`
	// "file" or "bolt".
	ResumeBackend string `yaml:"resume_backend"`
	// Database file of the "bolt" resume backend.
	Database string `yaml:"database"`
	// Number of recent log lines kept in memory.
	LogBufferSize int `yaml:"log_buffer_size"`
	// Enable debug log messages.
	Debug bool `yaml:"debug"`
	// File of IPv4 CIDR ranges. Peers in these ranges are not connected.
	Blocklist string `yaml:"blocklist"`

	// Port number sent to trackers.
	Port uint16 `yaml:"port"`
	// Number of peer addresses to request in announce request.
	TrackerNumWant int `yaml:"tracker_num_want"`
	// Total time to wait for a tracker response.
	TrackerHTTPTimeout time.Duration `yaml:"tracker_http_timeout"`
	// User-Agent header sent to trackers.
	TrackerHTTPUserAgent string `yaml:"tracker_http_user_agent"`
	// Tracker responses longer than this are rejected.
	TrackerHTTPMaxResponseLength int64 `yaml:"tracker_http_max_response_length"`
	// Total time to wait for a UDP tracker response, including retransmits.
	TrackerUDPTimeout time.Duration `yaml:"tracker_udp_timeout"`
	// UDP tracker requests are retransmitted after this, doubling each time.
	TrackerUDPRetryInterval time.Duration `yaml:"tracker_udp_retry_interval"`
	// Time to wait for announcing completed event.
	TrackerCompletedEventTimeout time.Duration `yaml:"tracker_completed_event_timeout"`
	// Time to wait for announcing stopped event.
	TrackerStoppedEventTimeout time.Duration `yaml:"tracker_stopped_event_timeout"`
}

// DefaultConfig for Engine. Used when no config file exists.
var DefaultConfig = Config{
	Config: session.DefaultConfig,

	DataDir:           "~/Downloads",
	PausedSessionsDir: "~/.drizzle/paused",
	ResumeBackend:     ResumeBackendFile,
	Database:          "~/.drizzle/resume.db",
	LogBufferSize:     1000,

	Port:                         6881,
	TrackerNumWant:               200,
	TrackerHTTPTimeout:           30 * time.Second,
	TrackerHTTPUserAgent:         "drizzle/" + Version,
	TrackerHTTPMaxResponseLength: 2 << 20,
	TrackerUDPTimeout:            time.Minute,
	TrackerUDPRetryInterval:      15 * time.Second,
	TrackerCompletedEventTimeout: 5 * time.Second,
	TrackerStoppedEventTimeout:   5 * time.Second,
}

// LoadConfig reads a YAML config file. Missing options take their values from DefaultConfig.
// A missing file is not an error.
func LoadConfig(filename string) (Config, error) {
	c := DefaultConfig
	filename, err := homedir.Expand(filename)
	if err != nil {
		return c, err
	}
	b, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return c, err
	}
	err = yaml.Unmarshal(b, &c)
	return c, err
}

func (c *Config) expandPaths() error {
	var err error
	for _, p := range []*string{&c.DataDir, &c.PausedSessionsDir, &c.Database, &c.Blocklist} {
		*p, err = homedir.Expand(*p)
		if err != nil {
			return err
		}
	}
	return nil
}
