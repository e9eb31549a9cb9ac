package mqttc

import (
	"context"
	"crypto/tls"
	"maps"
	"slices"
	"time"

	"github.com/rs/xid"
	"golang.org/x/time/rate"
)

// ServerResolver returns the server URLs to try. It is called before each
// connection attempt to enable dynamic service discovery.
type ServerResolver func(ctx context.Context) ([]string, error)

// clientOptions holds configuration for a Client.
type clientOptions struct {
	// Connection settings
	version    ProtocolVersion
	clientID   string
	username   string
	password   []byte
	keepAlive  uint16
	cleanStart bool

	// Transport
	dialer       Dialer
	tlsConfig    *tls.Config
	proxy        *ProxyConfig
	proxyFromEnv bool

	// Timeouts
	connectTimeout time.Duration
	writeTimeout   time.Duration

	will *WillMessage

	// Auto reconnect settings
	autoReconnect    bool
	maxReconnects    int
	reconnectBackoff time.Duration
	maxBackoff       time.Duration
	backoffStrategy  BackoffStrategy
	onReconnect      func(*ReconnectContext)

	// Session expiry behaviour
	republish   bool
	resubscribe bool

	onEvent EventHandler

	// Limits
	maxPacketSize uint32
	publishRate   rate.Limit
	publishBurst  int

	// Properties for CONNECT packet
	sessionExpiryInterval uint32
	receiveMaximum        uint16
	topicAliasMaximum     uint16
	userProperties        map[string]string

	producerInterceptors []ProducerInterceptor
	consumerInterceptors []ConsumerInterceptor

	enhancedAuth ClientEnhancedAuthenticator

	logger  Logger
	metrics Metrics

	// Multi-server support
	servers        []string
	serverResolver ServerResolver
}

func defaultOptions() *clientOptions {
	return &clientOptions{
		version:          ProtocolV5,
		clientID:         "mqttc-" + xid.New().String(),
		keepAlive:        60,
		cleanStart:       true,
		connectTimeout:   10 * time.Second,
		writeTimeout:     5 * time.Second,
		reconnectBackoff: DefaultReconnectBackoff,
		maxBackoff:       DefaultMaxBackoff,
		receiveMaximum:   defaultReceiveMaximum,
		publishRate:      rate.Inf,
		logger:           NewNoOpLogger(),
		metrics:          NoOpMetrics{},
	}
}

// Option configures a Client.
type Option func(*clientOptions)

// WithProtocolVersion selects MQTT 3.1.1 (ProtocolV311) or 5.0
// (ProtocolV5, the default).
func WithProtocolVersion(v ProtocolVersion) Option {
	return func(o *clientOptions) {
		o.version = v
	}
}

// WithClientID sets the client identifier. An empty identifier asks a v5
// server to assign one.
func WithClientID(id string) Option {
	return func(o *clientOptions) {
		o.clientID = id
	}
}

// WithCredentials sets the username and password for authentication.
func WithCredentials(username, password string) Option {
	return func(o *clientOptions) {
		o.username = username
		o.password = []byte(password)
	}
}

// WithKeepAlive sets the keep-alive interval in seconds. 0 disables pings.
func WithKeepAlive(seconds uint16) Option {
	return func(o *clientOptions) {
		o.keepAlive = seconds
	}
}

// WithCleanStart sets whether to start with a clean session.
func WithCleanStart(clean bool) Option {
	return func(o *clientOptions) {
		o.cleanStart = clean
	}
}

// WithTLS sets the TLS configuration for tls://, wss:// and quic:// servers.
func WithTLS(config *tls.Config) Option {
	return func(o *clientOptions) {
		o.tlsConfig = config
	}
}

// WithProxy routes TCP, TLS and WebSocket connections through a proxy.
func WithProxy(config ProxyConfig) Option {
	return func(o *clientOptions) {
		o.proxy = &config
	}
}

// WithProxyFromEnvironment picks a proxy from HTTP_PROXY, HTTPS_PROXY and
// NO_PROXY.
func WithProxyFromEnvironment(enabled bool) Option {
	return func(o *clientOptions) {
		o.proxyFromEnv = enabled
	}
}

// WithDialer replaces the URL based dialer. The dialer receives each
// server address unchanged.
func WithDialer(d Dialer) Option {
	return func(o *clientOptions) {
		o.dialer = d
	}
}

// WithConnectTimeout bounds dialing plus the wait for CONNACK.
func WithConnectTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.connectTimeout = d
	}
}

// WithWriteTimeout bounds a single write and the final flush on close.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *clientOptions) {
		o.writeTimeout = d
	}
}

// WithAutoReconnect enables automatic reconnection on connection loss.
func WithAutoReconnect(enabled bool) Option {
	return func(o *clientOptions) {
		o.autoReconnect = enabled
	}
}

// WithMaxReconnects limits consecutive reconnection attempts. 0 means
// unlimited.
func WithMaxReconnects(n int) Option {
	return func(o *clientOptions) {
		o.maxReconnects = max(n, 0)
	}
}

// WithReconnectBackoff sets the delay before the first reconnection attempt.
func WithReconnectBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.reconnectBackoff = d
	}
}

// WithMaxBackoff caps the delay between reconnection attempts.
func WithMaxBackoff(d time.Duration) Option {
	return func(o *clientOptions) {
		o.maxBackoff = d
	}
}

// WithBackoffStrategy replaces ExponentialBackoff.
func WithBackoffStrategy(strategy BackoffStrategy) Option {
	return func(o *clientOptions) {
		o.backoffStrategy = strategy
	}
}

// OnReconnect is called before every reconnection attempt. It runs on the
// client's event loop and must not block or call back into the client.
func OnReconnect(fn func(*ReconnectContext)) Option {
	return func(o *clientOptions) {
		o.onReconnect = fn
	}
}

// WithRepublishIfSessionExpired re-sends unacknowledged publishes of an
// expired session on the next one instead of failing them.
func WithRepublishIfSessionExpired(enabled bool) Option {
	return func(o *clientOptions) {
		o.republish = enabled
	}
}

// WithResubscribeIfSessionExpired renews the subscriptions of an expired
// session on the next one.
func WithResubscribeIfSessionExpired(enabled bool) Option {
	return func(o *clientOptions) {
		o.resubscribe = enabled
	}
}

// WithWill sets the Will message that will be published if the client disconnects unexpectedly.
func WithWill(topic string, payload []byte, retain bool, qos byte) Option {
	return func(o *clientOptions) {
		if o.will == nil {
			o.will = &WillMessage{}
		}
		o.will.Topic = topic
		o.will.Payload = payload
		o.will.Retain = retain
		o.will.QoS = qos
	}
}

// WithWillProps sets the properties for the Will message.
func WithWillProps(props Properties) Option {
	return func(o *clientOptions) {
		if o.will == nil {
			o.will = &WillMessage{}
		}
		o.will.Props = props
	}
}

// WithMaxPacketSize sets the maximum packet size the client accepts. It is
// announced to v5 servers; 0 means the protocol limit.
func WithMaxPacketSize(size uint32) Option {
	return func(o *clientOptions) {
		o.maxPacketSize = min(size, maxVarint+5)
	}
}

// WithPublishRateLimit paces outgoing PUBLISH packets to perSecond with the
// given burst. Other packets are never delayed.
func WithPublishRateLimit(perSecond float64, burst int) Option {
	return func(o *clientOptions) {
		o.publishRate = rate.Limit(perSecond)
		o.publishBurst = max(burst, 1)
	}
}

// WithSessionExpiryInterval sets the session expiry interval in seconds.
func WithSessionExpiryInterval(seconds uint32) Option {
	return func(o *clientOptions) {
		o.sessionExpiryInterval = seconds
	}
}

// WithReceiveMaximum sets the maximum number of QoS 1 and 2 messages
// the client is willing to process concurrently.
func WithReceiveMaximum(maxValue uint16) Option {
	return func(o *clientOptions) {
		if maxValue > 0 {
			o.receiveMaximum = maxValue
		}
	}
}

// WithTopicAliasMaximum sets the maximum number of topic aliases the client will accept.
func WithTopicAliasMaximum(maxValue uint16) Option {
	return func(o *clientOptions) {
		o.topicAliasMaximum = maxValue
	}
}

// WithUserProperties sets user properties for the CONNECT packet.
func WithUserProperties(props map[string]string) Option {
	return func(o *clientOptions) {
		o.userProperties = props
	}
}

// OnEvent sets the event handler for client lifecycle events and errors.
func OnEvent(handler EventHandler) Option {
	return func(o *clientOptions) {
		o.onEvent = handler
	}
}

// WithProducerInterceptors sets the producer interceptors for outgoing messages.
// Interceptors are called in order before a message is published.
func WithProducerInterceptors(interceptors ...ProducerInterceptor) Option {
	return func(o *clientOptions) {
		o.producerInterceptors = append(o.producerInterceptors, interceptors...)
	}
}

// WithConsumerInterceptors sets the consumer interceptors for incoming messages.
// Interceptors are called in order before a message is delivered to handlers.
func WithConsumerInterceptors(interceptors ...ConsumerInterceptor) Option {
	return func(o *clientOptions) {
		o.consumerInterceptors = append(o.consumerInterceptors, interceptors...)
	}
}

// WithEnhancedAuthentication sets the enhanced authenticator for SASL-style authentication.
func WithEnhancedAuthentication(auth ClientEnhancedAuthenticator) Option {
	return func(o *clientOptions) {
		o.enhancedAuth = auth
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger Logger) Option {
	return func(o *clientOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics sets the metrics sink, e.g. NewMemoryMetrics or
// NewPrometheusMetrics.
func WithMetrics(m Metrics) Option {
	return func(o *clientOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}

// WithServers sets a static list of server addresses for connection attempts.
// Servers are tried in round-robin order on each connection/reconnection.
// Addresses should be in URI format: scheme://host:port (e.g., "tcp://broker:1883").
// Multiple calls append to the existing list.
func WithServers(servers ...string) Option {
	return func(o *clientOptions) {
		o.servers = append(o.servers, servers...)
	}
}

// WithServerResolver sets a dynamic server resolver for service discovery.
// If the resolver returns an error or empty list, static servers are used as fallback.
func WithServerResolver(resolver ServerResolver) Option {
	return func(o *clientOptions) {
		o.serverResolver = resolver
	}
}

func applyOptions(opts ...Option) *clientOptions {
	options := defaultOptions()
	for _, opt := range opts {
		opt(options)
	}
	if options.dialer == nil {
		options.dialer = &URLDialer{
			TLSConfig:            options.tlsConfig,
			Timeout:              options.connectTimeout,
			Proxy:                options.proxy,
			ProxyFromEnvironment: options.proxyFromEnv,
		}
	}
	return options
}

// connectPacket builds the CONNECT for one attempt.
func (o *clientOptions) connectPacket(clientID string) *ConnectPacket {
	p := &ConnectPacket{
		Version:    o.version,
		ClientID:   clientID,
		CleanStart: o.cleanStart,
		KeepAlive:  o.keepAlive,
		Username:   o.username,
		Password:   o.password,
	}
	if o.will != nil {
		will := *o.will
		p.Will = &will
	}
	if o.version != ProtocolV5 {
		return p
	}

	if o.sessionExpiryInterval > 0 {
		p.Props.Set(PropSessionExpiryInterval, o.sessionExpiryInterval)
	}
	if o.receiveMaximum != defaultReceiveMaximum {
		p.Props.Set(PropReceiveMaximum, o.receiveMaximum)
	}
	if o.maxPacketSize > 0 {
		p.Props.Set(PropMaximumPacketSize, o.maxPacketSize)
	}
	if o.topicAliasMaximum > 0 {
		p.Props.Set(PropTopicAliasMaximum, o.topicAliasMaximum)
	}
	for _, k := range slices.Sorted(maps.Keys(o.userProperties)) {
		p.Props.Add(PropUserProperty, StringPair{Key: k, Value: o.userProperties[k]})
	}
	return p
}
