package mqttc

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is a client configuration loaded from YAML:
//
//	servers: ["tcp://broker:1883"]
//	client_id: sensor-1
//	keep_alive: 30s
//	reconnect:
//	  enabled: true
//	  max_backoff: 1m
type Config struct {
	Servers         []string `yaml:"servers"`
	ProtocolVersion string   `yaml:"protocol_version"` // "5" (default) or "3.1.1"
	ClientID        string   `yaml:"client_id"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`

	KeepAlive      time.Duration `yaml:"keep_alive"`
	CleanStart     *bool         `yaml:"clean_start"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`

	// SessionExpiryInterval is in seconds; "never" keeps the session forever.
	SessionExpiryInterval *SessionExpiry `yaml:"session_expiry_interval"`

	ReceiveMaximum    uint16            `yaml:"receive_maximum"`
	TopicAliasMaximum uint16            `yaml:"topic_alias_maximum"`
	MaxPacketSize     uint32            `yaml:"max_packet_size"`
	UserProperties    map[string]string `yaml:"user_properties"`

	Reconnect   ReconnectConfig    `yaml:"reconnect"`
	TLS         *TLSConfig         `yaml:"tls"`
	Proxy       *ProxyFileConfig   `yaml:"proxy"`
	Will        *WillConfig        `yaml:"will"`
	PublishRate *PublishRateConfig `yaml:"publish_rate"`
	Log         LogConfig          `yaml:"log"`
}

// ReconnectConfig configures automatic reconnection.
type ReconnectConfig struct {
	Enabled        bool          `yaml:"enabled"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	MaxAttempts    int           `yaml:"max_attempts"`
	Republish      bool          `yaml:"republish_if_session_expired"`
	Resubscribe    bool          `yaml:"resubscribe_if_session_expired"`
}

// TLSConfig names the PEM files for TLS connections.
type TLSConfig struct {
	CAFile             string `yaml:"ca_file"`
	CertFile           string `yaml:"cert_file"`
	KeyFile            string `yaml:"key_file"`
	ServerName         string `yaml:"server_name"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`
}

// ProxyFileConfig selects a proxy.
type ProxyFileConfig struct {
	URL             string `yaml:"url"`
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	FromEnvironment bool   `yaml:"from_environment"`
}

// WillConfig is the Will message.
type WillConfig struct {
	Topic   string `yaml:"topic"`
	Payload string `yaml:"payload"`
	QoS     byte   `yaml:"qos"`
	Retain  bool   `yaml:"retain"`
}

// PublishRateConfig paces outgoing publishes.
type PublishRateConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// LogConfig selects the log level of a slog based logger. An empty level
// keeps logging off.
type LogConfig struct {
	Level string `yaml:"level"`
}

// SessionExpiry is a session expiry interval in seconds that also accepts
// "never".
type SessionExpiry uint32

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *SessionExpiry) UnmarshalYAML(node *yaml.Node) error {
	if node.Value == "never" {
		*s = SessionExpiry(SessionExpiryNever)
		return nil
	}
	var v uint32
	if err := node.Decode(&v); err != nil {
		return fmt.Errorf("session_expiry_interval: %w", err)
	}
	*s = SessionExpiry(v)
	return nil
}

// ErrInvalidConfig wraps every configuration validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// LoadConfig reads and parses a YAML file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseConfig(data)
}

// ParseConfig parses a YAML document. Unknown keys are rejected.
func ParseConfig(data []byte) (*Config, error) {
	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that options would otherwise silently clamp.
func (c *Config) Validate() error {
	if _, err := c.version(); err != nil {
		return err
	}
	if c.KeepAlive < 0 || c.KeepAlive > 65535*time.Second {
		return fmt.Errorf("%w: keep_alive %s out of range", ErrInvalidConfig, c.KeepAlive)
	}
	if c.Will != nil {
		if err := ValidateTopicName(c.Will.Topic); err != nil {
			return fmt.Errorf("%w: will topic: %w", ErrInvalidConfig, err)
		}
		if c.Will.QoS > QoS2 {
			return fmt.Errorf("%w: will qos %d", ErrInvalidConfig, c.Will.QoS)
		}
	}
	if c.TLS != nil && (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return fmt.Errorf("%w: tls cert_file and key_file must be set together", ErrInvalidConfig)
	}
	if c.Log.Level != "" {
		if _, err := ParseLogLevel(c.Log.Level); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}
	return nil
}

func (c *Config) version() (ProtocolVersion, error) {
	switch c.ProtocolVersion {
	case "", "5", "5.0":
		return ProtocolV5, nil
	case "3.1.1", "4":
		return ProtocolV311, nil
	default:
		return 0, fmt.Errorf("%w: protocol_version %q", ErrInvalidConfig, c.ProtocolVersion)
	}
}

// Options converts the configuration into client options. TLS files are
// read here.
func (c *Config) Options() ([]Option, error) {
	version, err := c.version()
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithProtocolVersion(version),
		WithServers(c.Servers...),
	}
	if c.ClientID != "" {
		opts = append(opts, WithClientID(c.ClientID))
	}
	if c.Username != "" || c.Password != "" {
		opts = append(opts, WithCredentials(c.Username, c.Password))
	}
	if c.KeepAlive > 0 {
		opts = append(opts, WithKeepAlive(uint16(c.KeepAlive/time.Second)))
	}
	if c.CleanStart != nil {
		opts = append(opts, WithCleanStart(*c.CleanStart))
	}
	if c.ConnectTimeout > 0 {
		opts = append(opts, WithConnectTimeout(c.ConnectTimeout))
	}
	if c.WriteTimeout > 0 {
		opts = append(opts, WithWriteTimeout(c.WriteTimeout))
	}
	if c.SessionExpiryInterval != nil {
		opts = append(opts, WithSessionExpiryInterval(uint32(*c.SessionExpiryInterval)))
	}
	if c.ReceiveMaximum > 0 {
		opts = append(opts, WithReceiveMaximum(c.ReceiveMaximum))
	}
	if c.TopicAliasMaximum > 0 {
		opts = append(opts, WithTopicAliasMaximum(c.TopicAliasMaximum))
	}
	if c.MaxPacketSize > 0 {
		opts = append(opts, WithMaxPacketSize(c.MaxPacketSize))
	}
	if len(c.UserProperties) > 0 {
		opts = append(opts, WithUserProperties(c.UserProperties))
	}

	r := c.Reconnect
	opts = append(opts,
		WithAutoReconnect(r.Enabled),
		WithMaxReconnects(r.MaxAttempts),
		WithRepublishIfSessionExpired(r.Republish),
		WithResubscribeIfSessionExpired(r.Resubscribe),
	)
	if r.InitialBackoff > 0 {
		opts = append(opts, WithReconnectBackoff(r.InitialBackoff))
	}
	if r.MaxBackoff > 0 {
		opts = append(opts, WithMaxBackoff(r.MaxBackoff))
	}

	if c.TLS != nil {
		tlsConfig, err := c.TLS.load()
		if err != nil {
			return nil, err
		}
		opts = append(opts, WithTLS(tlsConfig))
	}
	if p := c.Proxy; p != nil {
		if p.URL != "" {
			opts = append(opts, WithProxy(ProxyConfig{URL: p.URL, Username: p.Username, Password: p.Password}))
		}
		opts = append(opts, WithProxyFromEnvironment(p.FromEnvironment))
	}
	if w := c.Will; w != nil {
		opts = append(opts, WithWill(w.Topic, []byte(w.Payload), w.Retain, w.QoS))
	}
	if pr := c.PublishRate; pr != nil && pr.PerSecond > 0 {
		opts = append(opts, WithPublishRateLimit(pr.PerSecond, pr.Burst))
	}
	if c.Log.Level != "" {
		level, _ := ParseLogLevel(c.Log.Level)
		opts = append(opts, WithLogger(NewSlogLogger(slog.Default(), level)))
	}
	return opts, nil
}

func (t *TLSConfig) load() (*tls.Config, error) {
	cfg := &tls.Config{
		MinVersion:         tls.VersionTLS12,
		ServerName:         t.ServerName,
		InsecureSkipVerify: t.InsecureSkipVerify, //nolint:gosec // opt-in for test brokers
	}

	if t.CAFile != "" {
		pem, err := os.ReadFile(t.CAFile)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("%w: no certificates in %s", ErrInvalidConfig, t.CAFile)
		}
		cfg.RootCAs = pool
	}
	if t.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(t.CertFile, t.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
