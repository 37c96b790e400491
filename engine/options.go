package engine

import (
	"crypto/tls"
	"time"
)

// MQTTVersion selects which protocol level to attempt on CONNECT.
// VersionDefault tries 3.1.1 first and falls back to 3.1 on the next
// reconnect attempt, per spec.md section 4.3's "Connect" dispatch rule.
type MQTTVersion int

const (
	VersionDefault MQTTVersion = iota
	Version31
	Version311
)

// Will is the Last Will and Testament announced in CONNECT.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      uint8
	Retained bool
}

// TLSOptions configures the TLS transport used when a server URI carries
// the ssl:// scheme.
type TLSOptions struct {
	Config               *tls.Config
	EnableServerCertAuth bool
	EnabledCipherSuites  []uint16
}

// buildTLSConfig realizes spec.md section 6's tls_opts.enable_server_cert_auth
// and enabled_cipher_suites on top of the caller-supplied Config, mirroring
// MQTTAsync_SSLOptions: enable_server_cert_auth false disables server
// certificate verification, and a non-empty enabled_cipher_suites restricts
// the handshake to that list.
func buildTLSConfig(opts *TLSOptions) *tls.Config {
	var cfg *tls.Config
	if opts.Config != nil {
		cfg = opts.Config.Clone()
	} else {
		cfg = &tls.Config{}
	}
	if !opts.EnableServerCertAuth {
		cfg.InsecureSkipVerify = true
	}
	if len(opts.EnabledCipherSuites) > 0 {
		cfg.CipherSuites = opts.EnabledCipherSuites
	}
	return cfg
}

// ConnectOptions are the per-CONNECT-attempt settings named in spec.md
// section 6's connect_options.
type ConnectOptions struct {
	KeepAlive         time.Duration
	CleanSession      bool
	MaxInflight       int
	MQTTVersion       MQTTVersion
	Will              *Will
	TLS               *TLSOptions
	Username          string
	Password          string
	ConnectTimeout    time.Duration
	RetryInterval     time.Duration
	ServerURIs        []string
	OnSuccess         func(serverURI string)
	OnFailure         func(err error)
	Context           any
}

// ConnectOption is a functional option mutating ConnectOptions, following
// the WithX pattern used throughout the teacher corpus for client
// configuration.
type ConnectOption func(*ConnectOptions)

func defaultConnectOptions() *ConnectOptions {
	return &ConnectOptions{
		KeepAlive:      30 * time.Second,
		CleanSession:   true,
		MaxInflight:    10,
		MQTTVersion:    VersionDefault,
		ConnectTimeout: 30 * time.Second,
		RetryInterval:  20 * time.Second,
	}
}

// WithKeepAlive sets the keepalive interval. 0 disables keepalive pings.
func WithKeepAlive(d time.Duration) ConnectOption {
	return func(o *ConnectOptions) { o.KeepAlive = d }
}

// WithCleanSession sets whether the broker (and this client) discard prior
// session state for this client id.
func WithCleanSession(clean bool) ConnectOption {
	return func(o *ConnectOptions) { o.CleanSession = clean }
}

// WithMaxInflight records a maximum number of QoS 1/2 publications in
// flight (default 10). The engine stores the value but does not enforce it.
func WithMaxInflight(n int) ConnectOption {
	return func(o *ConnectOptions) { o.MaxInflight = n }
}

// WithMQTTVersion pins the protocol level attempted on CONNECT.
func WithMQTTVersion(v MQTTVersion) ConnectOption {
	return func(o *ConnectOptions) { o.MQTTVersion = v }
}

// WithWill sets the Last Will and Testament.
func WithWill(topic string, payload []byte, qos uint8, retained bool) ConnectOption {
	return func(o *ConnectOptions) {
		o.Will = &Will{Topic: topic, Payload: payload, QoS: qos, Retained: retained}
	}
}

// WithTLS enables TLS for the ssl:// scheme using the given configuration.
func WithTLS(tlsOpts *TLSOptions) ConnectOption {
	return func(o *ConnectOptions) { o.TLS = tlsOpts }
}

// WithCredentials sets the CONNECT username/password.
func WithCredentials(username, password string) ConnectOption {
	return func(o *ConnectOptions) {
		o.Username = username
		o.Password = password
	}
}

// WithConnectTimeout sets how long the CONNECT attempt may take before it
// is treated as a Timeout failure.
func WithConnectTimeout(d time.Duration) ConnectOption {
	return func(o *ConnectOptions) { o.ConnectTimeout = d }
}

// WithRetryInterval sets the minimum interval between QoS 1/2 retransmissions.
func WithRetryInterval(d time.Duration) ConnectOption {
	return func(o *ConnectOptions) { o.RetryInterval = d }
}

// WithServerURIs sets the fallback list tried in order on connect failure
// (spec.md section 4.5's multi-URI fallback).
func WithServerURIs(uris ...string) ConnectOption {
	return func(o *ConnectOptions) { o.ServerURIs = uris }
}

// WithOnSuccess registers the callback invoked once CONNACK with rc=0 is
// received, receiving the server URI that succeeded (scenario S5).
func WithOnSuccess(fn func(serverURI string)) ConnectOption {
	return func(o *ConnectOptions) { o.OnSuccess = fn }
}

// WithOnFailure registers the callback invoked when every server URI (and
// both MQTT versions, if VersionDefault) has been exhausted.
func WithOnFailure(fn func(err error)) ConnectOption {
	return func(o *ConnectOptions) { o.OnFailure = fn }
}

// WithContext attaches an opaque value to the connect options. The engine
// stores it and does not pass it to callbacks.
func WithContext(ctx any) ConnectOption {
	return func(o *ConnectOptions) { o.Context = ctx }
}
