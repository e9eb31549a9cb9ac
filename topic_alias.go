package mqttc

import "errors"

// Topic alias errors.
var (
	ErrTopicAliasInvalid  = errors.New("topic alias invalid")
	ErrTopicAliasExceeded = errors.New("topic alias maximum exceeded")
	ErrTopicAliasNotFound = errors.New("topic alias not found")
)

// TopicAliasManager resolves the topic aliases a server sets on the PUBLISH
// packets it sends. Mappings belong to one network connection and are
// cleared on every connect. It is owned by the client's executor.
type TopicAliasManager struct {
	aliases map[uint16]string
	max     uint16
}

// NewTopicAliasManager returns a manager accepting aliases 1 to maximum,
// the Topic Alias Maximum sent in CONNECT. Zero disables aliases.
func NewTopicAliasManager(maximum uint16) *TopicAliasManager {
	return &TopicAliasManager{aliases: make(map[uint16]string), max: maximum}
}

// Resolve applies the alias carried by p, if any. A PUBLISH with a topic
// and an alias updates the mapping; one with only an alias takes its topic
// from the mapping. The alias property is removed from p.
func (m *TopicAliasManager) Resolve(p *PublishPacket) error {
	if !p.Props.Has(PropTopicAlias) {
		if p.Topic == "" {
			return ErrTopicNameEmpty
		}
		return nil
	}

	alias := p.Props.GetUint16(PropTopicAlias)
	if alias == 0 {
		return ErrTopicAliasInvalid
	}
	if alias > m.max {
		return ErrTopicAliasExceeded
	}
	p.Props.Delete(PropTopicAlias)

	if p.Topic != "" {
		m.aliases[alias] = p.Topic
		return nil
	}

	topic, ok := m.aliases[alias]
	if !ok {
		return ErrTopicAliasNotFound
	}
	p.Topic = topic
	return nil
}

// SetMaximum changes the accepted range. Existing mappings are dropped.
func (m *TopicAliasManager) SetMaximum(maximum uint16) {
	m.max = maximum
	m.Clear()
}

// Maximum returns the accepted alias maximum.
func (m *TopicAliasManager) Maximum() uint16 { return m.max }

// Clear removes all mappings.
func (m *TopicAliasManager) Clear() {
	clear(m.aliases)
}

// Len returns the number of mappings.
func (m *TopicAliasManager) Len() int { return len(m.aliases) }
