// Package chatprovider defines the capability set this bridge needs
// from a team chat workspace, so the Registry and Listener never
// depend on a concrete chat SDK directly (spec §6 "Addition: chat
// provider capability interface").
package chatprovider

import "context"

// Message is one posted or updated chat message.
type Message struct {
	ChannelID string
	TS        string // provider-assigned message id/timestamp
	ThreadTS  string // "" if not a reply
	Text      string
	Blocks    []Block
}

// Block is a provider-agnostic rendering unit: plain text or a row of
// interactive buttons. Only the fields a given block kind uses are set.
// ID is the wire block id (Slack's block_id): invisible metadata, never
// shown to the user, used to tag a block with the prompt it belongs to
// so a later reaction/click can be routed back to it.
type Block struct {
	Kind    BlockKind
	ID      string
	Text    string
	Buttons []Button
}

type BlockKind int

const (
	BlockText BlockKind = iota
	BlockButtons
)

// Button is one clickable action within a BlockButtons block.
type Button struct {
	Label    string
	Value    string
	ActionID string
	Style    string // "", "primary", or "danger"
}

// Channel describes a chat channel the bridge can post into.
type Channel struct {
	ID         string
	Name       string
	IsArchived bool
}

// EventKind distinguishes the shapes of inbound events a Provider can
// deliver to a subscriber.
type EventKind int

const (
	EventMessage EventKind = iota
	EventThreadReply
	EventReaction
	EventButtonClick
)

// Event is the provider-agnostic envelope for every inbound occurrence
// the Listener dispatches on (spec §4.3, §9 "dynamic dispatch on chat
// events").
type Event struct {
	Kind EventKind

	ChannelID string
	ThreadTS  string
	UserID    string

	// EventMessage / EventThreadReply
	Text string
	TS   string
	IsDM bool

	// EventReaction
	ReactionName string
	ReactionTS   string // ts of the message that was reacted to

	// EventButtonClick
	ActionID    string
	ActionValue string
	MessageTS   string
}

// Provider is the full surface a chat workspace must expose. Every
// method takes a context so the caller can bound provider round-trips
// under the rate limiter (spec §5 "Suspension points").
type Provider interface {
	PostMessage(ctx context.Context, channelID, threadTS, text string, blocks []Block) (*Message, error)
	UpdateMessage(ctx context.Context, channelID, ts, text string, blocks []Block) error
	DeleteMessage(ctx context.Context, channelID, ts string) error
	AddReaction(ctx context.Context, channelID, ts, name string) error
	GetMessage(ctx context.Context, channelID, ts string) (*Message, error)

	ListChannels(ctx context.Context) ([]Channel, error)
	JoinChannel(ctx context.Context, channelID string) error
	CreateChannel(ctx context.Context, name string) (*Channel, error)

	// Subscribe delivers inbound events to handler until ctx is
	// canceled or the underlying connection fails fatally.
	Subscribe(ctx context.Context, handler func(Event)) error
}
