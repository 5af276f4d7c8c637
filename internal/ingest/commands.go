package ingest

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// commandMessage is the wire form of an outbound command.
type commandMessage struct {
	Command    string         `json:"command"`
	Parameters map[string]any `json:"parameters,omitempty"`
	CommandID  string         `json:"command_id"`
}

// SendCommand publishes a command to a device's control topic and
// returns the generated command id.
//
// Commands are QoS 1 and never retained: a device that reconnects
// should not replay a stale instruction.
//
// Parameters:
//   - deviceID: target device
//   - command: instruction name, required
//   - params: optional command arguments
//
// Returns:
//   - string: the command id embedded in the published payload
//   - error: validation failure or broker publish failure
func (s *Service) SendCommand(deviceID int64, command string, params map[string]any) (string, error) {
	if deviceID <= 0 {
		return "", fmt.Errorf("%w: device id %d", ErrBadCommand, deviceID)
	}
	if command == "" {
		return "", fmt.Errorf("%w: empty command name", ErrBadCommand)
	}

	id := uuid.NewString()
	payload, err := json.Marshal(commandMessage{
		Command:    command,
		Parameters: params,
		CommandID:  id,
	})
	if err != nil {
		return "", fmt.Errorf("encoding command: %w", err)
	}

	topic := s.topics.DeviceCommands(deviceID)
	if err := s.broker.Publish(topic, payload, atLeastOnce, false); err != nil {
		return "", fmt.Errorf("publishing command: %w", err)
	}

	s.log.Info("command sent",
		"device_id", deviceID,
		"command", command,
		"command_id", id,
	)
	return id, nil
}
