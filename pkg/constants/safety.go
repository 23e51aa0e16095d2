package constants

// EStopStatus emergency stop state
type EStopStatus string

const (
	EStopArmed     EStopStatus = "armed"     // ready, commands may execute
	EStopTriggered EStopStatus = "triggered" // halted until an explicit reset
	EStopResetting EStopStatus = "resetting" // reset accepted, checks running
)

func (s EStopStatus) String() string {
	return string(s)
}

// OperatingMode robot operating mode, orthogonal to the E-stop state
type OperatingMode string

const (
	ModeAutomatic          OperatingMode = "automatic"
	ModeManualReducedSpeed OperatingMode = "manual_reduced_speed"
	ModeManualFullSpeed    OperatingMode = "manual_full_speed"
)

func (m OperatingMode) String() string {
	return string(m)
}

// Valid reports whether m is a known mode
func (m OperatingMode) Valid() bool {
	switch m {
	case ModeAutomatic, ModeManualReducedSpeed, ModeManualFullSpeed:
		return true
	}
	return false
}

// Actor origin of a safety command
type Actor string

const (
	ActorLocal  Actor = "local"  // physical button on the robot
	ActorRemote Actor = "remote" // operator console
	ActorServer Actor = "server" // fleet orchestrator
	ActorZone   Actor = "zone"   // zone-wide broadcast
	ActorSystem Actor = "system" // automatic, e.g. heartbeat loss
)

// StopCategory IEC 60204-1 stop category
type StopCategory int

const (
	StopCategory0 StopCategory = 0 // remove power immediately
	StopCategory1 StopCategory = 1 // controlled stop, then remove power
	StopCategory2 StopCategory = 2 // controlled stop, power maintained
)

// Valid reports whether c is a known category
func (c StopCategory) Valid() bool {
	return c >= StopCategory0 && c <= StopCategory2
}
