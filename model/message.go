package model

import "time"

// Message represents a single email message read from a mailbox source.
type Message struct {
	Index      int
	ID         string
	Hash       string
	Subject    string
	From       string
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
}

// Envelope wraps a message alongside an optional error encountered while decoding.
type Envelope struct {
	Message Message
	Err     error
}
