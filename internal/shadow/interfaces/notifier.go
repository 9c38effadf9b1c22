package interfaces

import (
	"context"
	"encoding/json"
	"errors"

	commandapp "cleanroute-cloud/internal/commands/application"
	commands "cleanroute-cloud/internal/commands/domain"
)

// CommandDispatcher is the slice of the dispatcher the notifier needs.
type CommandDispatcher interface {
	Dispatch(ctx context.Context, req commandapp.DispatchRequest) (*commandapp.CommandHandle, error)
}

// DeltaCommandNotifier sends shadow_delta commands carrying the changed
// desired keys. The command is untracked: the shadow itself is the source of
// truth for convergence, so there is nothing to ack.
type DeltaCommandNotifier struct {
	dispatcher CommandDispatcher
}

// NewDeltaCommandNotifier constructs a notifier.
func NewDeltaCommandNotifier(dispatcher CommandDispatcher) (*DeltaCommandNotifier, error) {
	if dispatcher == nil {
		return nil, errors.New("shadow notifier: nil dispatcher")
	}
	return &DeltaCommandNotifier{dispatcher: dispatcher}, nil
}

// NotifyShadowDelta publishes the changed keys to the device.
func (n *DeltaCommandNotifier) NotifyShadowDelta(ctx context.Context, deviceID string, delta map[string]json.RawMessage) error {
	if len(delta) == 0 {
		return nil
	}
	params := make(map[string]any, len(delta))
	for key, value := range delta {
		params[key] = value
	}
	_, err := n.dispatcher.Dispatch(ctx, commandapp.DispatchRequest{
		DeviceID: deviceID,
		Type:     commands.TypeShadowDelta,
		Params:   params,
	})
	return err
}
