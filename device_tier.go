package uploader

import (
	"fmt"
	"io"

	"github.com/klauspost/cpuid/v2"
	"gopkg.in/yaml.v3"
)

// DeviceTier is a coarse classification of how much parallel work the host can take.
type DeviceTier string

const (
	TierHighEnd  DeviceTier = "HIGH_END"
	TierMidRange DeviceTier = "MID_RANGE"
	TierLowEnd   DeviceTier = "LOW_END"
)

const (
	highEndMinCores = 7
	lowEndMaxCores  = 3
)

// ConcurrencyProfile holds the ceilings used for one upload session.
// MaxConcurrentFiles only applies to multi-file uploads.
type ConcurrencyProfile struct {
	MaxConcurrentFiles  int `json:"files" yaml:"files" koanf:"files"`
	MaxConcurrentChunks int `json:"chunks" yaml:"chunks" koanf:"chunks"`
}

// ProfileTable maps every tier to its concurrency profile.
type ProfileTable map[DeviceTier]ConcurrencyProfile

// Profile returns the profile for tier, falling back to the default table for
// missing tiers or non-positive ceilings.
func (t ProfileTable) Profile(tier DeviceTier) ConcurrencyProfile {
	def := DefaultProfileTable()[tier]
	if def == (ConcurrencyProfile{}) {
		def = DefaultProfileTable()[TierMidRange]
	}

	p, ok := t[tier]
	if !ok {
		return def
	}

	if p.MaxConcurrentFiles < 1 {
		p.MaxConcurrentFiles = def.MaxConcurrentFiles
	}
	if p.MaxConcurrentChunks < 1 {
		p.MaxConcurrentChunks = def.MaxConcurrentChunks
	}
	return p
}

// HardwareProbe reports the number of logical cores, or false when unknown.
type HardwareProbe func() (cores int, ok bool)

// CPUIDProbe reads the logical core count through cpuid.
func CPUIDProbe() (int, bool) {
	cores := cpuid.CPU.LogicalCores
	if cores <= 0 {
		return 0, false
	}
	return cores, true
}

// StaticProbe always reports the given core count; zero or less means unknown.
func StaticProbe(cores int) HardwareProbe {
	return func() (int, bool) {
		if cores <= 0 {
			return 0, false
		}
		return cores, true
	}
}

// ResolveTier maps the probe's answer to a tier.
func ResolveTier(probe HardwareProbe) DeviceTier {
	if probe == nil {
		return TierMidRange
	}

	cores, ok := probe()
	switch {
	case !ok || cores <= 0:
		return TierMidRange
	case cores >= highEndMinCores:
		return TierHighEnd
	case cores <= lowEndMaxCores:
		return TierLowEnd
	default:
		return TierMidRange
	}
}

// LoadProfileTable decodes a YAML document keyed by tier name:
//
//	HIGH_END:  {files: 3, chunks: 10}
//	MID_RANGE: {files: 3, chunks: 10}
//	LOW_END:   {files: 2, chunks: 6}
func LoadProfileTable(r io.Reader) (ProfileTable, error) {
	raw := map[string]ConcurrencyProfile{}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("profile table: decode: %w", err)
	}

	table := DefaultProfileTable()
	for name, profile := range raw {
		tier := DeviceTier(name)
		switch tier {
		case TierHighEnd, TierMidRange, TierLowEnd:
		default:
			return nil, fmt.Errorf("profile table: unknown tier %q", name)
		}

		if profile.MaxConcurrentFiles < 1 || profile.MaxConcurrentChunks < 1 {
			return nil, fmt.Errorf("profile table: tier %s needs positive files and chunks", name)
		}
		table[tier] = profile
	}

	return table, nil
}
