// Package mqttc is an MQTT client supporting protocol versions 3.1.1 and 5.0.
//
// This package implements the client side of the OASIS standards:
// https://docs.oasis-open.org/mqtt/mqtt/v3.1.1/mqtt-v3.1.1.html
// https://docs.oasis-open.org/mqtt/mqtt/v5.0/mqtt-v5.0.html
//
// # Features
//
//   - Every control packet of both versions, with the v5 properties system
//   - QoS 0, 1 and 2 in both directions, with session resumption
//   - Flow control against the server's receive maximum
//   - Inbound topic aliases, enhanced authentication (SCRAM included)
//   - Automatic reconnect with backoff and server rotation
//   - Transport: TCP, TLS, WebSocket, WSS, QUIC, HTTP CONNECT and SOCKS5 proxies
//
// # Tokens
//
// Every operation returns at once with a token that completes when the
// exchange does:
//
//	client := mqttc.New(
//	    mqttc.WithServers("tcp://localhost:1883"),
//	    mqttc.WithClientID("sensor-1"),
//	    mqttc.WithAutoReconnect(true),
//	)
//	defer client.Close()
//
//	if err := client.Connect(ctx).Wait(ctx); err != nil {
//	    return err
//	}
//
//	tok := client.Publish(&mqttc.Message{Topic: "sensors/temp", Payload: []byte("21.5"), QoS: 1})
//	if err := tok.Wait(ctx); err != nil {
//	    return err
//	}
//
// Dial combines New and Connect:
//
//	client, err := mqttc.Dial(mqttc.WithServers("wss://broker.example.com/mqtt"))
//
// # Sessions
//
// Publishes, subscribes and unsubscribes submitted while disconnected are
// queued and sent once a session is open. Unacknowledged QoS 1 and 2
// exchanges are retransmitted when the server resumes the session. When the
// session ends, pending exchanges fail with a SessionExpiredError unless
// WithRepublishIfSessionExpired or WithResubscribeIfSessionExpired ask for
// them to be sent again.
//
// # Subscriptions
//
// Handlers run in order on a single delivery goroutine:
//
//	client.Subscribe("sensors/+/temp", mqttc.QoS1, func(msg *mqttc.Message) {
//	    fmt.Println(msg.Topic, string(msg.Payload))
//	})
//
// Messages matching no subscription can be caught with OnPublish.
//
// # Events
//
// Connection events and asynchronous errors reach the OnEvent handler as
// error values. Match them with errors.Is or errors.As:
//
//	mqttc.OnEvent(func(c *mqttc.Client, event error) {
//	    var lost *mqttc.ConnectionLostError
//	    if errors.As(event, &lost) {
//	        log.Println("connection lost:", lost.Err)
//	    }
//	})
//
// # Configuration
//
// Options can also come from a YAML file:
//
//	cfg, err := mqttc.LoadConfig("client.yaml")
//	opts, err := cfg.Options()
//	client := mqttc.New(opts...)
//
// # Packets
//
// The codec is usable on its own:
//
//	data, err := mqttc.EncodePacket(pkt, mqttc.ProtocolV5, 0)
//	pkt, n, err := mqttc.DecodePacket(data, mqttc.ProtocolV5, 0)
//
// # Metrics and logging
//
//	reg := prometheus.NewRegistry()
//	client := mqttc.New(
//	    mqttc.WithMetrics(mqttc.NewPrometheusMetrics(reg)),
//	    mqttc.WithLogger(mqttc.NewSlogLogger(slog.Default(), mqttc.LogLevelInfo)),
//	)
package mqttc
