package node

import (
	"github.com/tyriis/webofneeds/config"
	"github.com/tyriis/webofneeds/message"
)

// Inbound channel names and their JetStream subjects
const (
	ChannelOwner   = "owner"
	ChannelNode    = "node"
	ChannelMatcher = "matcher"
	ChannelSystem  = "system"

	InboundStream = "WON_IN"

	SubjectInOwner   = "won.in.owner"
	SubjectInNode    = "won.in.node"
	SubjectInMatcher = "won.in.matcher"
	SubjectInSystem  = "won.in.system"
)

// channelSpec binds one inbound channel to its subject, its implied message
// direction and its consumer sizing
type channelSpec struct {
	name      string
	subject   string
	direction message.Direction
	consumers int
	queueSize int
}

// channelSpecs derives the four channel bindings from configuration
func channelSpecs(cfg config.ChannelsConfig) []channelSpec {
	return []channelSpec{
		{ChannelOwner, SubjectInOwner, message.FromOwner, cfg.Owner.Consumers, cfg.Owner.QueueSize},
		{ChannelNode, SubjectInNode, message.FromExternal, cfg.Node.Consumers, cfg.Node.QueueSize},
		{ChannelMatcher, SubjectInMatcher, message.FromMatcher, cfg.Matcher.Consumers, cfg.Matcher.QueueSize},
		{ChannelSystem, SubjectInSystem, message.FromSystem, cfg.System.Consumers, cfg.System.QueueSize},
	}
}
