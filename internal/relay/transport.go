package relay

import (
	"context"

	relay_config "github.com/threeway/heaterconsole/internal/relay/config"
	"github.com/threeway/heaterconsole/log2"
)

// Relay transport contract:
// - Init fails only with invalid config, ignores network errors
// - Send* return true only when broker acknowledged, false means retry later
// - application may start without network available
type Transporter interface {
	Init(ctx context.Context, log *log2.Log, config relay_config.Config, onCommand CommandCallback) error
	SendTelemetry(topicSuffix string, payload []byte) bool
	SendCommandResponse(payload []byte) bool
	Close()
}

type CommandCallback func(context.Context, []byte) bool
