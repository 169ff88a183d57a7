// Package mqtt is a thin publisher wrapper around paho for mirroring
// accepted readings to downstream consumers.
package mqtt

import (
	"crypto/tls"
	"log/slog"
	"net/url"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

type Client struct {
	cli mqtt.Client
}

// Connect dials the broker and blocks until the session is up. Brokers on
// ssl/tls/wss schemes get verified TLS; insecureTLS disables certificate
// verification for brokers with self-signed certificates.
func Connect(brokerURL, clientID string, insecureTLS bool) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(brokerURL))
	if err != nil {
		return nil, err
	}
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp", "":
		server = "tcp://" + server
	case "ssl", "tls":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(server)
	if strings.TrimSpace(clientID) == "" {
		clientID = "relay-collector-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetKeepAlive(30 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{InsecureSkipVerify: insecureTLS})
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		slog.Warn("mqtt connection lost", "error", err)
	}
	opts.OnConnect = func(_ mqtt.Client) {
		slog.Info("mqtt connected", "broker", brokerURL)
	}

	c := mqtt.NewClient(opts)
	tok := c.Connect()
	if ok := tok.WaitTimeout(15 * time.Second); !ok {
		return nil, tok.Error()
	}
	if err := tok.Error(); err != nil {
		return nil, err
	}
	return &Client{cli: c}, nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	tok := c.cli.Publish(topic, 0, false, payload)
	if tok.Wait() && tok.Error() != nil {
		return tok.Error()
	}
	return nil
}

func (c *Client) Close() {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(1000)
}
