package dispatcher

import (
	"fmt"

	"pitrac/internal/events"
	"pitrac/internal/ipc"
)

// router turns one decoded message into at most one event, depending on the
// process's mode.
type router struct {
	d      *Dispatcher
	header ipc.Header
}

var _ ipc.Visitor = (*router)(nil)

func (r *router) ignore(what string) error {
	r.d.ignored.Add(1)
	r.d.log.Debug("Ignoring %s in mode %s", what, r.d.opts.Mode)
	return nil
}

func (r *router) unexpectedMode(what string) error {
	r.d.ignored.Add(1)
	return fmt.Errorf("%s not handled in mode %s", what, r.d.opts.Mode)
}

func (r *router) VisitUnknown(m ipc.Unknown) error {
	r.d.ignored.Add(1)
	r.d.log.Warning("Received message of unknown type %s from %s", m.Tag, r.header.SystemID)
	return nil
}

// Only a camera 2 process can arm its camera.
func (r *router) VisitRequestForImage(ipc.RequestForImage) error {
	switch r.d.opts.Mode {
	case ModeCamera2, ModeCamera2TestStandalone, ModeRunCam2ProcessForPi1Processing:
		r.d.push(events.ArmCamera2{})
		return nil
	case ModeCamera1, ModeCamera1TestStandalone, ModeCamera1AutoCalibrate, ModeCamera2AutoCalibrate:
		return r.ignore("image request")
	}
	return r.unexpectedMode("image request")
}

func (r *router) VisitRequestForTestStillImage(ipc.RequestForTestStillImage) error {
	switch r.d.opts.Mode {
	case ModeCamera1, ModeCamera1TestStandalone, ModeCamera2TestStandalone,
		ModeCamera2, ModeRunCam2ProcessForPi1Processing:
		return r.ignore("test still image request")
	}
	return r.unexpectedMode("test still image request")
}

func (r *router) VisitImage(m ipc.Image) error {
	if r.d.opts.Mode.cachesImages(r.d.opts.StillMode) {
		r.d.log.Debug("Caching received image (%dx%d)", m.Frame.Width, m.Frame.Height)
		r.d.cacheImage(m.Frame)
		return nil
	}
	switch r.d.opts.Mode {
	case ModeCamera1, ModeCamera1TestStandalone:
		r.d.push(events.Camera2ImageReceived{Frame: m.Frame})
		return nil
	case ModeCamera2, ModeCamera2TestStandalone:
		return r.ignore("camera 2 image")
	}
	return r.unexpectedMode("camera 2 image")
}

func (r *router) VisitPreImage(m ipc.PreImage) error {
	if r.d.opts.Mode.cachesImages(r.d.opts.StillMode) {
		r.d.cacheImage(m.Frame)
		return nil
	}
	switch r.d.opts.Mode {
	case ModeCamera1, ModeCamera1TestStandalone:
		r.d.push(events.Camera2PreImageReceived{Frame: m.Frame})
		return nil
	case ModeCamera2, ModeCamera2TestStandalone:
		return r.ignore("camera 2 pre-image")
	}
	return r.unexpectedMode("camera 2 pre-image")
}

func (r *router) VisitShutdown(ipc.Shutdown) error {
	r.d.push(events.Exit{})
	return nil
}

func (r *router) VisitResults(m ipc.Results) error {
	r.d.push(events.ResultsReceived{SystemID: r.header.SystemID, Data: m.Data})
	return nil
}

func (r *router) VisitControl(m ipc.Control) error {
	r.d.push(events.ControlMessageReceived{Action: m.Action})
	return nil
}
