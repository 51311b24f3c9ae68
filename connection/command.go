// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package connection

import (
	"encoding/json"
	"fmt"
)

// CommandType names an administrative connectivity command.
type CommandType string

// Administrative commands.
const (
	CommandCreate CommandType = "connectivity.commands:createConnection"
	CommandModify CommandType = "connectivity.commands:modifyConnection"
	CommandOpen   CommandType = "connectivity.commands:openConnection"
	CommandClose  CommandType = "connectivity.commands:closeConnection"
	CommandTest   CommandType = "connectivity.commands:testConnection"
	CommandDelete CommandType = "connectivity.commands:deleteConnection"
	CommandStatus CommandType = "connectivity.commands:retrieveConnectionStatus"
)

// Command is an administrative request addressed to one connection.
type Command struct {
	Type         CommandType `json:"type"`
	ConnectionID string      `json:"connectionId,omitempty"`
	Connection   *Connection `json:"connection,omitempty"`
	// ShutdownAfterDisconnect stops the connection's FSM after a close.
	ShutdownAfterDisconnect bool `json:"shutdownAfterDisconnect,omitempty"`
}

// ParseCommand decodes and validates a JSON command.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("failed to decode command: %w", err)
	}

	switch cmd.Type {
	case CommandCreate, CommandModify, CommandTest:
		if cmd.Connection == nil {
			return Command{}, fmt.Errorf("%w: %s", ErrMissingConnection, cmd.Type)
		}
		conn := cmd.Connection.WithDefaults()
		if err := conn.Validate(); err != nil {
			return Command{}, err
		}
		cmd.Connection = &conn
		if cmd.ConnectionID == "" {
			cmd.ConnectionID = conn.ID
		}
	case CommandOpen, CommandClose, CommandDelete, CommandStatus:
		if cmd.ConnectionID == "" {
			return Command{}, fmt.Errorf("%w: %s", ErrMissingID, cmd.Type)
		}
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Type)
	}
	return cmd, nil
}
