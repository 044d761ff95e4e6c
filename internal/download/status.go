package download

import "fmt"

// Status is the coarse state of the download task.
type Status int

const (
	// StatusIdle means no task exists; a start request builds one fresh.
	StatusIdle Status = 0
	// StatusForceDownloading is a user-initiated full-speed download.
	StatusForceDownloading Status = 1
	// StatusGentleDownloading is an opportunistic background download.
	StatusGentleDownloading Status = 2
	// StatusPaused holds the task with a PauseCause until recovery.
	StatusPaused Status = 3
)

// String returns a log-friendly state name.
func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "idle"
	case StatusForceDownloading:
		return "force_downloading"
	case StatusGentleDownloading:
		return "gentle_downloading"
	case StatusPaused:
		return "paused"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Type selects the download aggressiveness.
type Type int

const (
	// TypeForce downloads at full speed regardless of background limits.
	TypeForce Type = 1
	// TypeGentle downloads opportunistically, yielding to system limits.
	TypeGentle Type = 2
)

func (t Type) status() Status {
	if t == TypeForce {
		return StatusForceDownloading
	}
	return StatusGentleDownloading
}

// Valid reports whether the type is in range.
func (t Type) Valid() bool {
	return t == TypeForce || t == TypeGentle
}

// PauseCause enumerates why a paused task stopped downloading.
type PauseCause int

const (
	PauseNone PauseCause = iota
	PauseTemperatureLimit
	PauseRomLimit
	PauseNetworkFlowLimit
	PauseWifiUnavailable
	PausePowerLimit
	PauseBackgroundTaskUnavailable
	PauseFrequentUserRequests
	PauseCloudError
	PauseUserPaused
)

// RecoveryCause enumerates system conditions that may clear a pause.
type RecoveryCause int

const (
	RecoverNetworkNormal RecoveryCause = iota + 1
	RecoverTemperatureNormal
	RecoverStorageNormal
	RecoverPowerNormal
	RecoverBackgroundTaskAvailable
	RecoverCloudNormal
)

// recoveryFor maps each pause cause to the recovery cause that clears it.
// Causes missing from the map (user pause, frequent requests) clear only
// through a manual recover. A passive recovery with any other cause is a
// no-op, not an error.
var recoveryFor = map[PauseCause]RecoveryCause{
	PauseTemperatureLimit:          RecoverTemperatureNormal,
	PauseRomLimit:                  RecoverStorageNormal,
	PauseNetworkFlowLimit:          RecoverNetworkNormal,
	PauseWifiUnavailable:           RecoverNetworkNormal,
	PausePowerLimit:                RecoverPowerNormal,
	PauseBackgroundTaskUnavailable: RecoverBackgroundTaskAvailable,
	PauseCloudError:                RecoverCloudNormal,
}
