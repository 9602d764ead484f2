package domain

// Logical inbox channels. Each is polled and watermarked independently.
const (
	ChannelSystem = "system"
	ChannelNotice = "notice"
)

// Channels lists the known channels in processing order.
func Channels() []string {
	return []string{ChannelSystem, ChannelNotice}
}

// KnownChannel reports whether name is a channel this engine understands.
func KnownChannel(name string) bool {
	switch name {
	case ChannelSystem, ChannelNotice:
		return true
	}
	return false
}
