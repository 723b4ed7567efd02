package hwenc

import "sync/atomic"

// Provider identifies an encoder driver implementation.
type Provider uint8

const (
	ProviderAuto      Provider = iota // Highest-priority available driver
	ProviderNVENC                     // NVIDIA hardware encoder via libmedia_nvenc
	ProviderSimulated                 // In-memory driver, always available
	providerCount
)

// Features is a bitmask of provider capabilities.
type Features uint32

const (
	FeatureHardware         Features = 1 << iota // Runs on a GPU
	FeatureNativeHandle                          // Accepts device textures without a host copy
	FeatureLowLatency                            // Low-latency presets
	FeatureDynamicBitrate                        // Runtime bitrate changes
	FeatureMotionEstimation                      // Motion-estimation-only mode
)

// Has reports whether every bit of feature is set.
func (f Features) Has(feature Features) bool { return f&feature == feature }

type providerMeta struct {
	Name     string
	Priority int // higher wins for ProviderAuto
	Features Features
}

var providerInfo = [providerCount]providerMeta{
	ProviderAuto:      {"auto", 0, 0},
	ProviderNVENC:     {"nvenc", 10, FeatureHardware | FeatureNativeHandle | FeatureLowLatency | FeatureDynamicBitrate | FeatureMotionEstimation},
	ProviderSimulated: {"simulated", 1, FeatureNativeHandle | FeatureLowLatency | FeatureDynamicBitrate},
}

// providerAvailable is set by driver init functions once their backend loads.
var providerAvailable [providerCount]atomic.Bool

func init() {
	setProviderAvailable(ProviderSimulated)
}

// String returns the provider name.
func (p Provider) String() string {
	if p >= providerCount {
		return "unknown"
	}
	return providerInfo[p].Name
}

// Features returns the provider's feature bitmask.
func (p Provider) Features() Features {
	if p < providerCount {
		return providerInfo[p].Features
	}
	return 0
}

// Available reports whether the driver backend loaded in this process.
func (p Provider) Available() bool {
	if p >= providerCount {
		return false
	}
	return providerAvailable[p].Load()
}

func (p Provider) priority() int {
	if p >= providerCount {
		return -1
	}
	return providerInfo[p].Priority
}

func setProviderAvailable(p Provider) {
	if p < providerCount {
		providerAvailable[p].Store(true)
	}
}
