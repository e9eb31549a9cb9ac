// Package router dispatches messages received by an mqttc.Client to
// handlers selected by topic filter and message metadata.
package router

import (
	"maps"
	"regexp"
	"slices"
	"sync"

	"github.com/vitalvas/mqttc"
)

// Handler processes an MQTT message.
type Handler func(msg *mqttc.Message)

type userPropertyMatcher struct {
	keyPattern   *regexp.Regexp
	valuePattern *regexp.Regexp
}

// Condition selects the messages a handler receives. An empty condition
// matches everything.
type Condition struct {
	topicFilter         *string
	qos                 *byte
	retained            *bool
	subscriptionID      *uint32
	contentTypeRegexp   *regexp.Regexp
	responseTopicRegexp *regexp.Regexp
	userProperties      []userPropertyMatcher
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter. Supports + and # wildcards.
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS filters messages by delivered QoS level.
func WithQoS(qos byte) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetained matches only retained (true) or only live (false) messages.
func WithRetained(retained bool) ConditionOption {
	return func(c *Condition) {
		c.retained = &retained
	}
}

// WithSubscriptionID matches messages delivered for the subscription with
// this v5 subscription identifier.
func WithSubscriptionID(id uint32) ConditionOption {
	return func(c *Condition) {
		c.subscriptionID = &id
	}
}

// WithContentType filters messages by content type regexp pattern.
func WithContentType(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.contentTypeRegexp = pattern
	}
}

// WithResponseTopic filters messages by response topic regexp pattern.
func WithResponseTopic(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.responseTopicRegexp = pattern
	}
}

// WithUserProperty requires a user property whose key and value both match.
// Can be given multiple times; every matcher must find a property.
func WithUserProperty(keyPattern, valuePattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.userProperties = append(c.userProperties, userPropertyMatcher{
			keyPattern:   keyPattern,
			valuePattern: valuePattern,
		})
	}
}

type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches messages to every handler whose condition matches.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates an empty Router.
func New() *Router {
	return &Router{}
}

// Handle registers a handler.
//
//	r.Handle(h, WithTopic("sensors/#"))
//	r.Handle(h, WithTopic("sensors/#"), WithQoS(1))
//	r.Handle(h, WithSubscriptionID(7), WithContentType(regexp.MustCompile(`^application/json`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{handler: handler, condition: cond})
	r.mu.Unlock()
}

func (c *Condition) matches(msg *mqttc.Message) bool {
	if c.topicFilter != nil && !mqttc.TopicMatch(*c.topicFilter, msg.Topic) {
		return false
	}
	if c.qos != nil && *c.qos != msg.QoS {
		return false
	}
	if c.retained != nil && *c.retained != msg.Retain {
		return false
	}
	if c.subscriptionID != nil && !slices.Contains(msg.SubscriptionIdentifiers, *c.subscriptionID) {
		return false
	}
	if c.contentTypeRegexp != nil && !c.contentTypeRegexp.MatchString(msg.ContentType) {
		return false
	}
	if c.responseTopicRegexp != nil && !c.responseTopicRegexp.MatchString(msg.ResponseTopic) {
		return false
	}
	return c.matchUserProperties(msg.UserProperties)
}

func (c *Condition) matchUserProperties(props []mqttc.StringPair) bool {
	for _, matcher := range c.userProperties {
		found := slices.ContainsFunc(props, func(p mqttc.StringPair) bool {
			return matcher.keyPattern.MatchString(p.Key) && matcher.valuePattern.MatchString(p.Value)
		})
		if !found {
			return false
		}
	}
	return true
}

// Route dispatches msg to all matching handlers in registration order.
func (r *Router) Route(msg *mqttc.Message) {
	if msg == nil {
		return
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(msg) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(msg)
	}
}

// Filters returns the registered topic filters, sorted and deduplicated.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.handlers {
		if reg.condition.topicFilter != nil {
			seen[*reg.condition.topicFilter] = struct{}{}
		}
	}
	return slices.Sorted(maps.Keys(seen))
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = nil
	r.mu.Unlock()
}

// MessageHandler adapts the router to mqttc.MessageHandler for use with
// Client.Subscribe.
func (r *Router) MessageHandler() mqttc.MessageHandler {
	return r.Route
}

// Attach routes every message the client receives for filter through r.
func (r *Router) Attach(c *mqttc.Client, filter mqttc.GlobalFilter) {
	c.OnPublish(filter, r.Route)
}

// SubscribeAll subscribes c to every registered topic filter at qos, with
// the router as handler.
func (r *Router) SubscribeAll(c *mqttc.Client, qos byte) *mqttc.SubscribeToken {
	filters := r.Filters()
	subs := make([]mqttc.Subscription, 0, len(filters))
	for _, f := range filters {
		subs = append(subs, mqttc.Subscription{TopicFilter: f, QoS: qos})
	}
	return c.SubscribeMultiple(subs, r.MessageHandler())
}
