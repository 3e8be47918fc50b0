package model

// Channel is an outbound communication channel a step sends through.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelLinkedIn Channel = "linkedin"
	ChannelSMS      Channel = "sms"
	ChannelVoice    Channel = "voice"
)

// Channels lists every known channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelLinkedIn, ChannelSMS, ChannelVoice}

// String returns the string representation of the channel.
func (c Channel) String() string {
	return string(c)
}

// IsValid checks whether the channel is a known value.
func (c Channel) IsValid() bool {
	switch c {
	case ChannelEmail, ChannelLinkedIn, ChannelSMS, ChannelVoice:
		return true
	}
	return false
}

// DefaultQualifyingEvents returns the engagement types that count as a
// qualifying response on the given channel when a step does not list its own.
func DefaultQualifyingEvents(c Channel) []EventType {
	switch c {
	case ChannelEmail:
		return []EventType{EventReplied}
	case ChannelLinkedIn:
		return []EventType{EventConnected, EventReplied}
	case ChannelSMS:
		return []EventType{EventReplied}
	case ChannelVoice:
		return []EventType{EventAnswered}
	}
	return nil
}
