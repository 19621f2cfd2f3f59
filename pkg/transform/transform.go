// Package transform defines the raw-platform-event to message.Normalized
// contract. Concrete platforms implement Transformer in their own
// subpackage (see pkg/transform/discord).
package transform

import "github.com/kynetic-ai/kbot/pkg/message"

// Transformer converts one platform's raw event representation into the
// shared Normalized shape. raw is whatever the platform SDK's event
// callback hands the adapter (e.g. *discordgo.MessageCreate); ok is false
// when raw is an event kind the channel does not surface to the
// orchestrator (e.g. a typing indicator).
type Transformer interface {
	Transform(raw any) (n message.Normalized, ok bool)
}
