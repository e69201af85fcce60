// Package capabilities builds the ordered capability list a worker
// advertises to Assign (spec §4.2 step 1), grounded on
// machine/go/test_machine_monitor/machine/machine.go's interrogate, which
// assembles a machine.Event from environment/device state the same way:
// most-specific device identity first, general OS/family tags last. Unlike
// the teacher, there is no adb/ios/ssh device registry here — MrTaskman
// workers read device identity from environment variables set by whatever
// launched the worker process (spec §4.2, SPEC_FULL.md supplement).
package capabilities

import (
	"fmt"
	"os"
)

// Environment variables a worker process may be launched with to describe
// an attached device. All are optional; EnvDeviceSerialNumber (DEVICE_SN)
// is the one spec.md names
// explicitly, the rest are this rewrite's supplement.
const (
	EnvDeviceSerialNumber = "DEVICE_SN"
	EnvDeviceName         = "DEVICE_NAME"
	EnvDeviceType         = "DEVICE_TYPE"
	EnvDeviceOSName       = "DEVICE_OS_NAME"
	EnvDeviceOSVersion    = "DEVICE_OS_VERSION"
	EnvDeviceProvider     = "DEVICE_PROVIDER"

	// EnvWorkerName names this worker slot uniquely; falls back to
	// "<hostname>-<pid>" if unset.
	EnvWorkerName = "MRTASKMAN_WORKER_NAME"
)

// Lookup resolves an environment variable; tests substitute a map-backed
// lookup instead of touching the real process environment.
type Lookup func(key string) string

// Info is what a worker reports to the scheduler alongside each Assign call.
type Info struct {
	WorkerName   string
	Hostname     string
	Capabilities []string
}

// Advertise builds this worker's Info. executorTag is the host-specific,
// most-general capability token (e.g. "macos"), placed last in the
// returned Capabilities list per spec §4.2 / SPEC_FULL.md.
func Advertise(executorTag string, lookup Lookup) (Info, error) {
	if lookup == nil {
		lookup = os.Getenv
	}
	hostname, err := os.Hostname()
	if err != nil {
		return Info{}, err
	}
	workerName := lookup(EnvWorkerName)
	if workerName == "" {
		workerName = fmt.Sprintf("%s-%d", hostname, os.Getpid())
	}
	return Info{
		WorkerName:   workerName,
		Hostname:     hostname,
		Capabilities: buildCapabilities(executorTag, lookup),
	}, nil
}

// buildCapabilities assembles the ordered capability list: any attached
// device descriptors found in the environment, most specific first, then
// the general executor tag last.
func buildCapabilities(executorTag string, lookup Lookup) []string {
	var caps []string
	for _, env := range []string{
		EnvDeviceSerialNumber,
		EnvDeviceName,
		EnvDeviceType,
		EnvDeviceOSName,
		EnvDeviceOSVersion,
		EnvDeviceProvider,
	} {
		if v := lookup(env); v != "" {
			caps = append(caps, v)
		}
	}
	return append(caps, executorTag)
}
