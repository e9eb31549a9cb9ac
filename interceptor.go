package mqttc

import "errors"

// ErrMessageDropped fails a publish that a producer interceptor dropped.
var ErrMessageDropped = errors.New("message dropped by interceptor")

// ProducerInterceptor sees every message before it enters the outgoing
// queue. Returning nil drops the message.
//
// The message is not a copy; use msg.Clone to keep the original.
type ProducerInterceptor interface {
	OnSend(msg *Message) *Message
}

// ConsumerInterceptor sees every received message before any handler.
// Returning nil drops the message. The packet is still acknowledged.
type ConsumerInterceptor interface {
	OnConsume(msg *Message) *Message
}

// ProducerInterceptorFunc adapts a function to ProducerInterceptor.
type ProducerInterceptorFunc func(msg *Message) *Message

func (f ProducerInterceptorFunc) OnSend(msg *Message) *Message { return f(msg) }

// ConsumerInterceptorFunc adapts a function to ConsumerInterceptor.
type ConsumerInterceptorFunc func(msg *Message) *Message

func (f ConsumerInterceptorFunc) OnConsume(msg *Message) *Message { return f(msg) }

// interceptorChain applies interceptors in order. A panicking interceptor
// is logged and skipped; the message it received continues down the chain.
type interceptorChain struct {
	producers []ProducerInterceptor
	consumers []ConsumerInterceptor
	logger    Logger
}

func (c *interceptorChain) onSend(msg *Message) *Message {
	for _, i := range c.producers {
		if msg == nil {
			return nil
		}
		msg = applyInterceptor(c.logger, "producer", i.OnSend, msg)
	}
	return msg
}

func (c *interceptorChain) onConsume(msg *Message) *Message {
	for _, i := range c.consumers {
		if msg == nil {
			return nil
		}
		msg = applyInterceptor(c.logger, "consumer", i.OnConsume, msg)
	}
	return msg
}

func applyInterceptor(logger Logger, kind string, fn func(*Message) *Message, msg *Message) (result *Message) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error(kind+" interceptor panic", LogFields{
				LogFieldTopic: msg.Topic,
				LogFieldError: r,
			})
			result = msg
		}
	}()
	return fn(msg)
}
