package msgbroker

// MessageBroker carries room-scoped events between the relay and its
// subscribers.
type MessageBroker interface {
	// Publish sends msg to the given channel
	Publish(msg []byte, channel string) error
	// Subscribe registers cb for messages matching the channel pattern
	Subscribe(pattern string, cb MessageHandler) error
	// Unsubscribe removes the handlers for the given patterns
	Unsubscribe(patterns ...string) error
	// Close closes subscriptions
	Close() error
}

// MessageHandler is a callback function that processes messages delivered to subscribers.
type MessageHandler func(msg *Message)

// Message is the representation of transmitted data
type Message struct {
	Channel string
	Data    []byte
}
