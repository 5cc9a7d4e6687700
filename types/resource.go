package types

// Resource describes the capacity an operator declares on heartbeat. Sizes
// are in bytes, zero means the operator has none of that resource.
type Resource struct {
	Ram      uint64 `json:"ram"`
	Ssd      uint64 `json:"ssd"`
	CpuCores uint64 `json:"cpuCores"`
	GpuVram  uint64 `json:"gpuVram"`
}

// ResourceRequirement describes the minimal capacity a request claims from
// the prover. Zero means no requirement for that resource.
type ResourceRequirement struct {
	MinRam      uint64 `json:"minRam"`
	MinSsd      uint64 `json:"minSsd"`
	MinCpuCores uint64 `json:"minCpuCores"`
	MinGpuVram  uint64 `json:"minGpuVram"`
}

// Fulfills returns true if the declared capacity covers the requirement
func (r Resource) Fulfills(req ResourceRequirement) bool {
	if r.Ram < req.MinRam {
		return false
	}
	if r.Ssd < req.MinSsd {
		return false
	}
	if r.CpuCores < req.MinCpuCores {
		return false
	}
	if r.GpuVram < req.MinGpuVram {
		return false
	}
	return true
}
