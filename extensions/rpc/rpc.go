// Package rpc implements MQTT v5.0 request/response on top of mqttc.
// Requests carry a response topic and correlation data; responses are
// matched back to the waiting caller by correlation data.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/vitalvas/mqttc"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("rpc: request timeout")

	// ErrClientClosed is returned when the client is disconnected or the
	// handler is closed during a request.
	ErrClientClosed = errors.New("rpc: client closed")
)

// Headers are transmitted as MQTT v5.0 user properties.
type Headers map[string]string

// userProperties returns h sorted by key.
func (h Headers) userProperties() []mqttc.StringPair {
	if len(h) == 0 {
		return nil
	}
	props := make([]mqttc.StringPair, 0, len(h))
	for _, k := range slices.Sorted(maps.Keys(h)) {
		props = append(props, mqttc.StringPair{Key: k, Value: h[k]})
	}
	return props
}

func headersFrom(props []mqttc.StringPair) Headers {
	if len(props) == 0 {
		return nil
	}
	h := make(Headers, len(props))
	for _, p := range props {
		h[p.Key] = p.Value
	}
	return h
}

// Request is an RPC request.
type Request struct {
	Payload     []byte
	Headers     Headers
	ContentType string
}

// Response is an RPC response.
type Response struct {
	Payload         []byte
	Headers         Headers
	ContentType     string
	CorrelationData []byte
}

// Client is the subset of *mqttc.Client the handler uses. Wrap adapts a
// client to it.
type Client interface {
	ClientID() string
	Subscribe(filter string, qos byte, handler mqttc.MessageHandler) mqttc.Token
	Unsubscribe(filters ...string) mqttc.Token
	Publish(msg *mqttc.Message) mqttc.Token
	IsConnected() bool
}

type clientAdapter struct {
	c *mqttc.Client
}

// Wrap adapts c to Client.
func Wrap(c *mqttc.Client) Client {
	return clientAdapter{c: c}
}

func (a clientAdapter) ClientID() string  { return a.c.ClientID() }
func (a clientAdapter) IsConnected() bool { return a.c.IsConnected() }

func (a clientAdapter) Subscribe(filter string, qos byte, handler mqttc.MessageHandler) mqttc.Token {
	return a.c.Subscribe(filter, qos, handler)
}

func (a clientAdapter) Unsubscribe(filters ...string) mqttc.Token {
	return a.c.Unsubscribe(filters...)
}

func (a clientAdapter) Publish(msg *mqttc.Message) mqttc.Token {
	return a.c.Publish(msg)
}

// Handler sends requests and routes responses back to their callers.
type Handler struct {
	mu      sync.Mutex
	client  Client
	pending map[string]chan *Response
	closed  bool

	responseTopic string
	qos           byte
}

// HandlerOptions configures the RPC handler.
type HandlerOptions struct {
	// ResponseTopic defaults to "rpc/response/{clientID}".
	ResponseTopic string

	// QoS is used for requests and the response subscription.
	QoS byte
}

// NewHandler subscribes to the response topic and waits for the SUBACK.
func NewHandler(ctx context.Context, client Client, opts *HandlerOptions) (*Handler, error) {
	if client == nil {
		return nil, errors.New("rpc: client is required")
	}
	if opts == nil {
		opts = &HandlerOptions{}
	}

	responseTopic := opts.ResponseTopic
	if responseTopic == "" {
		responseTopic = "rpc/response/" + client.ClientID()
	}

	h := &Handler{
		client:        client,
		pending:       make(map[string]chan *Response),
		responseTopic: responseTopic,
		qos:           opts.QoS,
	}

	if err := client.Subscribe(responseTopic, opts.QoS, h.handleResponse).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rpc: failed to subscribe to response topic: %w", err)
	}
	return h, nil
}

// ResponseTopic returns the topic responses are received on.
func (h *Handler) ResponseTopic() string {
	return h.responseTopic
}

// Call publishes req to topic and blocks until the matching response
// arrives or ctx is done.
func (h *Handler) Call(ctx context.Context, topic string, req *Request) (*Response, error) {
	if !h.client.IsConnected() {
		return nil, ErrClientClosed
	}
	if req == nil {
		req = &Request{}
	}

	correlID := xid.New().String()
	respCh := make(chan *Response, 1)
	if !h.register(correlID, respCh) {
		return nil, ErrClientClosed
	}
	defer h.unregister(correlID)

	msg := &mqttc.Message{
		Topic:           topic,
		Payload:         req.Payload,
		QoS:             h.qos,
		ResponseTopic:   h.responseTopic,
		CorrelationData: []byte(correlID),
		ContentType:     req.ContentType,
	}
	msg.UserProperties = req.Headers.userProperties()

	if err := h.client.Publish(msg).Wait(ctx); err != nil {
		return nil, fmt.Errorf("rpc: failed to publish request: %w", err)
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, ErrClientClosed
		}
		return resp, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	}
}

// CallWithTimeout is Call bounded by timeout.
func (h *Handler) CallWithTimeout(topic string, req *Request, timeout time.Duration) (*Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return h.Call(ctx, topic, req)
}

// Request sends payload without headers.
func (h *Handler) Request(ctx context.Context, topic string, payload []byte) (*Response, error) {
	return h.Call(ctx, topic, &Request{Payload: payload})
}

// Close fails pending calls and unsubscribes from the response topic.
func (h *Handler) Close(ctx context.Context) error {
	h.mu.Lock()
	h.closed = true
	for id, ch := range h.pending {
		close(ch)
		delete(h.pending, id)
	}
	h.mu.Unlock()

	return h.client.Unsubscribe(h.responseTopic).Wait(ctx)
}

func (h *Handler) register(id string, ch chan *Response) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.pending[id] = ch
	return true
}

func (h *Handler) unregister(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.pending, id)
}

func (h *Handler) handleResponse(msg *mqttc.Message) {
	if msg == nil || len(msg.CorrelationData) == 0 {
		return
	}

	resp := &Response{
		Payload:         msg.Payload,
		Headers:         headersFrom(msg.UserProperties),
		ContentType:     msg.ContentType,
		CorrelationData: msg.CorrelationData,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	ch := h.pending[string(msg.CorrelationData)]
	if ch == nil {
		return
	}
	// A duplicate response finds the buffer full and is dropped.
	select {
	case ch <- resp:
	default:
	}
}

// Serve answers requests on filter with fn. Responses go to each request's
// response topic with its correlation data; requests without a response
// topic are dropped.
func Serve(client Client, filter string, qos byte, fn func(*Request) *Response) mqttc.Token {
	return client.Subscribe(filter, qos, func(msg *mqttc.Message) {
		if msg.ResponseTopic == "" {
			return
		}

		req := &Request{
			Payload:     msg.Payload,
			Headers:     headersFrom(msg.UserProperties),
			ContentType: msg.ContentType,
		}

		resp := fn(req)
		if resp == nil {
			return
		}

		reply := &mqttc.Message{
			Topic:           msg.ResponseTopic,
			Payload:         resp.Payload,
			QoS:             qos,
			ContentType:     resp.ContentType,
			CorrelationData: msg.CorrelationData,
			UserProperties:  resp.Headers.userProperties(),
		}
		client.Publish(reply)
	})
}
