package serverinstance

// Allocation is a reserved {ip, port} tuple (spec.md GLOSSARY).
type Allocation struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

// ConfigTemplate is one entry of a Core's configSystem/startupParser list
// (spec.md §3 StartData, §4.4 step 1-2). Exactly one of Content or Values
// is populated:
//
//   - Content (Parser == "json" or "yaml"): raw templated text that, after
//     {{NAME}} substitution, is reparsed as structured data and
//     re-serialized with 2-space indent (spec.md's "JSON form keeps JSON").
//   - Values (Parser == "" / "file"): a flat key->value map written as
//     "key=value" lines after substituting each value (the "object form").
type ConfigTemplate struct {
	File    string            `json:"file"`
	Parser  string            `json:"parser,omitempty"`
	Content string            `json:"content,omitempty"`
	Values  map[string]string `json:"values,omitempty"`
}

// Core is the image-and-command recipe that specializes a server for a
// particular application (spec.md GLOSSARY "Core").
type Core struct {
	InstallScript  string            `json:"installScript"`
	StartupCommand string            `json:"startupCommand"`
	StopCommand    string            `json:"stopCommand"`
	ConfigSystem   []ConfigTemplate  `json:"configSystem"`
	StartupParser  []ConfigTemplate  `json:"startupParser"`
}

// StartData is the declarative start spec provided per lifecycle action
// (spec.md §3).
type StartData struct {
	MemoryMiB              int64             `json:"memory"`
	CPUPermille            int64             `json:"cpu"`
	DiskMiB                int64             `json:"disk"`
	Environment            map[string]string `json:"environment"`
	PrimaryAllocation      Allocation        `json:"primaryAllocation"`
	AdditionalAllocations  []Allocation      `json:"additionalAllocations"`
	Image                  string            `json:"image"`
	Core                   Core              `json:"core"`
}

// Status is the two-value status getStatus reports (spec.md §4.4:
// "Starting is not an externally visible state").
type Status string

const (
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
)

// Usage is the reduced stats snapshot getUsages returns.
type Usage struct {
	CPUPercent      float64 `json:"cpuPercent"`
	MemoryBytes     uint64  `json:"memoryBytes"`
	MemoryLimitBytes uint64 `json:"memoryLimitBytes"`
}
