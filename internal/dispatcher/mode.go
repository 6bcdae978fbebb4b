package dispatcher

import (
	"fmt"
	"strings"
)

// SystemMode is the role this process plays in the two-camera setup.
type SystemMode int

const (
	ModeCamera1 SystemMode = iota
	ModeCamera2
	ModeCamera1TestStandalone
	ModeCamera2TestStandalone
	ModeCamera1AutoCalibrate
	ModeCamera2AutoCalibrate
	ModeCamera1BallLocation
	ModeCamera2BallLocation
	ModeRunCam2ProcessForPi1Processing
	ModeTest
)

var modeNames = map[SystemMode]string{
	ModeCamera1:                        "camera1",
	ModeCamera2:                        "camera2",
	ModeCamera1TestStandalone:          "camera1_test_standalone",
	ModeCamera2TestStandalone:          "camera2_test_standalone",
	ModeCamera1AutoCalibrate:           "camera1_auto_calibrate",
	ModeCamera2AutoCalibrate:           "camera2_auto_calibrate",
	ModeCamera1BallLocation:            "camera1_ball_location",
	ModeCamera2BallLocation:            "camera2_ball_location",
	ModeRunCam2ProcessForPi1Processing: "run_cam2_process_for_pi1_processing",
	ModeTest:                           "test",
}

func (m SystemMode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return fmt.Sprintf("SystemMode(%d)", int(m))
}

func ParseSystemMode(s string) (SystemMode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for mode, name := range modeNames {
		if name == s {
			return mode, nil
		}
	}
	return 0, fmt.Errorf("unknown system mode %q", s)
}

// cachesImages reports whether received images are kept for synchronous
// retrieval instead of being queued.
func (m SystemMode) cachesImages(stillMode bool) bool {
	if stillMode {
		return true
	}
	switch m {
	case ModeCamera1AutoCalibrate, ModeCamera2AutoCalibrate,
		ModeCamera1BallLocation, ModeCamera2BallLocation:
		return true
	}
	return false
}

// QueuesCamera2Images reports whether camera 2 images reach the event queue,
// which is when a process needs to run detection on them.
func (m SystemMode) QueuesCamera2Images(stillMode bool) bool {
	if m.cachesImages(stillMode) {
		return false
	}
	return m == ModeCamera1 || m == ModeCamera1TestStandalone
}
