// Package events holds the domain events produced by the dispatcher and the queue
// the camera state machine consumes them from.
package events

import (
	"fmt"

	"pitrac/internal/frame"
	"pitrac/internal/ipc"
)

type Event interface {
	Name() string
}

// ArmCamera2 asks the camera 2 process to arm for the next strobed capture.
type ArmCamera2 struct{}

type Camera2ImageReceived struct {
	Frame *frame.Frame
}

type Camera2PreImageReceived struct {
	Frame *frame.Frame
}

type Exit struct{}

type ResultsReceived struct {
	SystemID string
	Data     map[string]string
}

type ControlMessageReceived struct {
	Action ipc.ControlAction
}

func (ArmCamera2) Name() string              { return "ArmCamera2" }
func (Camera2ImageReceived) Name() string    { return "Camera2ImageReceived" }
func (Camera2PreImageReceived) Name() string { return "Camera2PreImageReceived" }
func (Exit) Name() string                    { return "Exit" }
func (ResultsReceived) Name() string         { return "ResultsReceived" }
func (ControlMessageReceived) Name() string  { return "ControlMessageReceived" }

func (e ControlMessageReceived) String() string {
	return fmt.Sprintf("ControlMessageReceived(%s)", e.Action)
}
