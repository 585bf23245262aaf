package domain

// JSONVersion tags the schema revision of persisted entries.
const JSONVersion = 1

// Table names used by the local store and the remote sync target.
const (
	TableSamples = "proximityData"
	TableDevices = "proximityDevice"
)

// RawEvent is one hardware reading before gating. It is never persisted.
type RawEvent struct {
	Value             float64
	HardwareTimestamp int64
	Accuracy          int
	ArrivalTime       int64 // unix millis
}

// Entry is anything the pipeline hands to persistence.
type Entry interface {
	EntryTime() int64
	EntryDevice() string
}

// Record is a filtered, timestamped proximity observation.
// It must not be mutated once the pipeline has built it.
type Record struct {
	Timestamp      int64   `json:"timestamp"`
	EventTimestamp int64   `json:"eventTimestamp"`
	Value          float64 `json:"proximity"`
	Accuracy       int     `json:"accuracy"`
	Label          string  `json:"label"`
	DeviceID       string  `json:"deviceId"`
	JSONVersion    int     `json:"jsonVersion"`
}

func (r *Record) EntryTime() int64    { return r.Timestamp }
func (r *Record) EntryDevice() string { return r.DeviceID }

// DeviceInfo is a snapshot of the sensor hardware captured once per start.
type DeviceInfo struct {
	MaxRange    float64 `json:"maxRange"`
	MinDelay    float64 `json:"minDelay"`
	Name        string  `json:"name"`
	Power       float64 `json:"power"` // mA
	Resolution  float64 `json:"resolution"`
	Type        string  `json:"type"`
	Vendor      string  `json:"vendor"`
	Version     string  `json:"version"`
	Label       string  `json:"label"`
	DeviceID    string  `json:"deviceId"`
	Timestamp   int64   `json:"timestamp"`
	JSONVersion int     `json:"jsonVersion"`
}

func (d *DeviceInfo) EntryTime() int64    { return d.Timestamp }
func (d *DeviceInfo) EntryDevice() string { return d.DeviceID }
