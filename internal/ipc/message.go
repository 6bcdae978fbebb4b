// Package ipc defines the messages exchanged between the two camera processes and
// their envelope encoding.
package ipc

import (
	"fmt"

	"pitrac/internal/frame"
)

// MessageType is the integer tag carried in the Message_Type property and the
// payload header.
type MessageType int32

const (
	TypeUnknown                  MessageType = 0
	TypeRequestForCamera2Image   MessageType = 1
	TypeCamera2Image             MessageType = 2
	TypeRequestForTestStillImage MessageType = 3
	TypeResults                  MessageType = 4
	TypeShutdown                 MessageType = 5
	TypeCamera2ReturnPreImage    MessageType = 6
	TypeControlMessage           MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case TypeUnknown:
		return "Unknown"
	case TypeRequestForCamera2Image:
		return "RequestForCamera2Image"
	case TypeCamera2Image:
		return "Camera2Image"
	case TypeRequestForTestStillImage:
		return "RequestForCamera2TestStillImage"
	case TypeResults:
		return "Results"
	case TypeShutdown:
		return "Shutdown"
	case TypeCamera2ReturnPreImage:
		return "Camera2ReturnPreImage"
	case TypeControlMessage:
		return "ControlMessage"
	}
	return fmt.Sprintf("MessageType(%d)", int32(t))
}

// ControlAction is the action code of a Control message. Codes outside the named
// set are carried through unchanged.
type ControlAction int32

const (
	ControlUnknown            ControlAction = 0
	ControlClubChangeToPutter ControlAction = 1
	ControlClubChangeToDriver ControlAction = 2
)

func (a ControlAction) String() string {
	switch a {
	case ControlUnknown:
		return "Unknown"
	case ControlClubChangeToPutter:
		return "ClubChangeToPutter"
	case ControlClubChangeToDriver:
		return "ClubChangeToDriver"
	}
	return fmt.Sprintf("ControlAction(%d)", int32(a))
}

// ResultType classifies a Results message.
type ResultType int

const (
	ResultUnknown ResultType = iota
	ResultInitializing
	ResultWaitingForBallToAppear
	ResultWaitingForSimulatorArmed
	ResultPausingForBallStabilization
	ResultMultipleBallsPresent
	ResultBallPlacedAndReadyForHit
	ResultHit
	ResultError
	ResultCalibrationResults
)

var resultTypeNames = [...]string{
	"Unknown",
	"Initializing",
	"WaitingForBallToAppear",
	"WaitingForSimulatorArmed",
	"PausingForBallStabilization",
	"MultipleBallsPresent",
	"BallPlacedAndReadyForHit",
	"Hit",
	"Error",
	"CalibrationResults",
}

func (r ResultType) String() string {
	if r >= 0 && int(r) < len(resultTypeNames) {
		return resultTypeNames[r]
	}
	return fmt.Sprintf("ResultType(%d)", int(r))
}

// ParseResultType is the inverse of ResultType.String; unknown names map to ResultUnknown.
func ParseResultType(s string) ResultType {
	for i, name := range resultTypeNames {
		if name == s {
			return ResultType(i)
		}
	}
	return ResultUnknown
}

// Message is one of the variants below. Dispatch on it through Accept so that a
// new variant fails to compile until every Visitor handles it.
type Message interface {
	Type() MessageType
	Accept(Visitor) error
}

type Visitor interface {
	VisitUnknown(Unknown) error
	VisitRequestForImage(RequestForImage) error
	VisitRequestForTestStillImage(RequestForTestStillImage) error
	VisitImage(Image) error
	VisitPreImage(PreImage) error
	VisitShutdown(Shutdown) error
	VisitResults(Results) error
	VisitControl(Control) error
}

// Unknown is any message whose tag is not recognised.
type Unknown struct {
	Tag MessageType
}

type RequestForImage struct{}

type RequestForTestStillImage struct{}

// Image carries a frame captured by camera 2.
type Image struct {
	Frame *frame.Frame
}

// PreImage carries the frame camera 2 takes before the strobed capture.
type PreImage struct {
	Frame *frame.Frame
}

type Shutdown struct{}

type Results struct {
	Data map[string]string
}

type Control struct {
	Action ControlAction
}

func (m Unknown) Type() MessageType                { return m.Tag }
func (RequestForImage) Type() MessageType          { return TypeRequestForCamera2Image }
func (RequestForTestStillImage) Type() MessageType { return TypeRequestForTestStillImage }
func (Image) Type() MessageType                    { return TypeCamera2Image }
func (PreImage) Type() MessageType                 { return TypeCamera2ReturnPreImage }
func (Shutdown) Type() MessageType                 { return TypeShutdown }
func (Results) Type() MessageType                  { return TypeResults }
func (Control) Type() MessageType                  { return TypeControlMessage }

func (m Unknown) Accept(v Visitor) error                  { return v.VisitUnknown(m) }
func (m RequestForImage) Accept(v Visitor) error          { return v.VisitRequestForImage(m) }
func (m RequestForTestStillImage) Accept(v Visitor) error { return v.VisitRequestForTestStillImage(m) }
func (m Image) Accept(v Visitor) error                    { return v.VisitImage(m) }
func (m PreImage) Accept(v Visitor) error                 { return v.VisitPreImage(m) }
func (m Shutdown) Accept(v Visitor) error                 { return v.VisitShutdown(m) }
func (m Results) Accept(v Visitor) error                  { return v.VisitResults(m) }
func (m Control) Accept(v Visitor) error                  { return v.VisitControl(m) }

// ResultType returns the result classification stored under the "result_type" key.
func (m Results) ResultType() ResultType {
	return ParseResultType(m.Data[ResultTypeKey])
}

// ResultTypeKey is the Results map key naming the ResultType.
const ResultTypeKey = "result_type"
