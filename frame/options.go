package frame

import "strconv"

// Options holds the protocol-wide configuration record spec §3 enumerates.
// It is loaded once (frame.DefaultOptions().Load(config)) and then passed
// by value/reference through every layer's constructors — the
// re-architected replacement for the original's process-wide global (spec
// §9 "Global mutable options").
type Options struct {
	MaxFrameSize        int
	NoAckCount          uint32
	StorageMax          int
	StorageTrim         int
	OpTimeoutMillis     int
	MaxRetries          int
	MaxConnections      int
	MaxRequestsInQueue  int
}

// mtu is derived, never set directly (invariant 5): max_frame_size - HeaderSize.
func (o Options) MTU() int {
	return o.MaxFrameSize - HeaderSize
}

const (
	defaultMaxFrameSize       = 4096
	defaultNoAckCount         = 5
	defaultStorageMax         = 100
	defaultStorageTrim        = 50
	defaultOpTimeoutMillis    = 500
	defaultMaxRetries         = 20
	defaultMaxConnections     = 1024
	defaultMaxRequestsInQueue = 21

	minMaxFrameSize = 128
	maxMaxFrameSize = 10240
)

// DefaultOptions returns the option record with spec §3's defaults.
func DefaultOptions() Options {
	return Options{
		MaxFrameSize:       defaultMaxFrameSize,
		NoAckCount:         defaultNoAckCount,
		StorageMax:         defaultStorageMax,
		StorageTrim:        defaultStorageTrim,
		OpTimeoutMillis:    defaultOpTimeoutMillis,
		MaxRetries:         defaultMaxRetries,
		MaxConnections:     defaultMaxConnections,
		MaxRequestsInQueue: defaultMaxRequestsInQueue,
	}
}

// Load merges recognized keys from config into o, clamping max_frame_size to
// [128, 10240] and silently ignoring unknown keys or unparsable values
// (spec §6). It never lets mtu be set directly: a "mtu" key in config is
// ignored, matching invariant 5 / S7. Load is idempotent: calling it twice
// with the same config leaves o unchanged the second time.
func (o Options) Load(config map[string]string) Options {
	if v, ok := parseInt(config, "max_frame_size"); ok {
		if v < minMaxFrameSize {
			v = minMaxFrameSize
		} else if v > maxMaxFrameSize {
			v = maxMaxFrameSize
		}
		o.MaxFrameSize = v
	}
	if v, ok := parseInt(config, "no_ack_count"); ok && v > 0 {
		o.NoAckCount = uint32(v)
	}
	if v, ok := parseInt(config, "storage_max"); ok && v > 0 {
		o.StorageMax = v
	}
	if v, ok := parseInt(config, "storage_trim"); ok && v > 0 {
		o.StorageTrim = v
	}
	if v, ok := parseInt(config, "op_timeout"); ok && v > 0 {
		o.OpTimeoutMillis = v
	}
	if v, ok := parseInt(config, "max_retries"); ok && v > 0 {
		o.MaxRetries = v
	}
	if v, ok := parseInt(config, "max_connections"); ok && v > 0 {
		o.MaxConnections = v
	}
	if v, ok := parseInt(config, "max_requests_in_queue"); ok && v > 0 {
		o.MaxRequestsInQueue = v
	}
	return o
}

func parseInt(config map[string]string, key string) (int, bool) {
	s, ok := config[key]
	if !ok || s == "" {
		return 0, false
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return v, true
}
