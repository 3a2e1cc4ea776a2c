package domain

// Channel identifies the delivery medium of a campaign.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelText    Channel = "text"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelText, ChannelPush, ChannelWebhook}

// Valid reports whether c is one of the known channels.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelText, ChannelPush, ChannelWebhook:
		return true
	}
	return false
}

// String implements fmt.Stringer.
func (c Channel) String() string { return string(c) }
