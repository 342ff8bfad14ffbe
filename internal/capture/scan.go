package capture

import (
	"fmt"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
)

// DeviceInfo describes a detected capture device
type DeviceInfo struct {
	ID      int
	Name    string
	APIName string
}

func (d DeviceInfo) String() string {
	return fmt.Sprintf("%s (ID: %d, API: %s)", d.Name, d.ID, d.APIName)
}

var videoDevPattern = regexp.MustCompile(`/dev/video(\d+)$`)

// ScanDevices performs a quick scan of the most common device indices (0, 1)
// with the platform-preferred backend. Cheap enough to run at startup; use
// ScanDevicesFull for a thorough sweep.
func ScanDevices(open Opener) []DeviceInfo {
	if open == nil {
		open = OpenCV
	}
	backend := resolveBackend(BackendAuto)

	var devices []DeviceInfo
	for id := 0; id < 2; id++ {
		if info, ok := probeIndex(open, id, backend); ok {
			devices = append(devices, info)
		}
	}
	// Camera 0 stays in the list as a fallback so a connect can always be
	// attempted even when the quick scan saw nothing.
	if len(devices) == 0 {
		devices = append(devices, DeviceInfo{ID: 0, Name: "Default Camera", APIName: "Fallback"})
	}
	return devices
}

// ScanDevicesFull performs a platform-specific sweep: /dev/video* nodes on
// Linux, indices 0-9 against the ordered backend preferences elsewhere.
func ScanDevicesFull(open Opener) []DeviceInfo {
	if open == nil {
		open = OpenCV
	}

	var devices []DeviceInfo
	if runtime.GOOS == "linux" {
		devices = scanVideoNodes(open)
	}
	if len(devices) == 0 {
		for _, backend := range PreferredBackends(runtime.GOOS) {
			for id := 0; id < 10; id++ {
				if info, ok := probeIndex(open, id, backend); ok {
					devices = append(devices, info)
				}
			}
			if len(devices) > 0 {
				break
			}
		}
	}
	if !hasDevice(devices, 0) {
		devices = append(devices, DeviceInfo{ID: 0, Name: "Default Camera", APIName: "Fallback"})
	}
	return devices
}

// scanVideoNodes enumerates /dev/video* and probes each index through V4L2
func scanVideoNodes(open Opener) []DeviceInfo {
	nodes, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil
	}
	var devices []DeviceInfo
	for _, node := range nodes {
		m := videoDevPattern.FindStringSubmatch(node)
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		if info, ok := probeIndex(open, id, BackendV4L2); ok {
			devices = append(devices, info)
		}
	}
	return devices
}

// probeIndex opens and immediately releases a device to check it exists,
// reading back the negotiated resolution for the display name.
func probeIndex(open Opener, id int, backend Backend) (DeviceInfo, bool) {
	sess, err := open(Source{DeviceID: id}, backend)
	if err != nil || sess == nil {
		return DeviceInfo{}, false
	}
	defer sess.Close()
	if !sess.IsOpened() {
		return DeviceInfo{}, false
	}

	name := fmt.Sprintf("Camera %d", id)
	if w, h, _ := sess.Negotiated(); w > 0 && h > 0 {
		name = fmt.Sprintf("Camera %d (%dx%d)", id, w, h)
	}
	return DeviceInfo{ID: id, Name: name, APIName: backend.String()}, true
}

func hasDevice(devices []DeviceInfo, id int) bool {
	for _, d := range devices {
		if d.ID == id {
			return true
		}
	}
	return false
}
