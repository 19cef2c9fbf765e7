// Package capture implements the trace-flag/debug-level controller: named
// verbosity presets, the per-flag state machine, and the scoped capture
// session that guarantees every trace flag it creates is deleted when the
// caller is done, regardless of how the session's context ends.
package capture

// Verbosity is one of the platform's fixed per-category debug levels,
// ordered least to most verbose so presets can be merged by taking the
// max across categories.
type Verbosity int

const (
	VerbosityNone Verbosity = iota
	VerbosityError
	VerbosityWarn
	VerbosityInfo
	VerbosityDebug
	VerbosityFine
	VerbosityFiner
	VerbosityFinest
)

func (v Verbosity) String() string {
	switch v {
	case VerbosityNone:
		return "NONE"
	case VerbosityError:
		return "ERROR"
	case VerbosityWarn:
		return "WARN"
	case VerbosityInfo:
		return "INFO"
	case VerbosityDebug:
		return "DEBUG"
	case VerbosityFine:
		return "FINE"
	case VerbosityFiner:
		return "FINER"
	case VerbosityFinest:
		return "FINEST"
	default:
		return "NONE"
	}
}

// Category is one column of a platform DebugLevel record.
type Category string

const (
	CategoryApexCode       Category = "ApexCode"
	CategoryApexProfiling  Category = "ApexProfiling"
	CategoryCallout        Category = "Callout"
	CategoryDB             Category = "Db"
	CategoryValidation     Category = "Validation"
	CategoryVisualforce    Category = "Visualforce"
	CategoryWorkflow       Category = "Workflow"
	CategorySystem         Category = "System"
	CategoryWave           Category = "Wave"
	CategoryNBA            Category = "Nba"
)

var allCategories = []Category{
	CategoryApexCode, CategoryApexProfiling, CategoryCallout, CategoryDB,
	CategoryValidation, CategoryVisualforce, CategoryWorkflow, CategorySystem,
	CategoryWave, CategoryNBA,
}

// Preset is a per-category verbosity assignment. Categories absent from
// the map default to VerbosityNone.
type Preset map[Category]Verbosity

// Merge returns a new Preset taking, per category, the greater verbosity
// between p and other.
func (p Preset) Merge(other Preset) Preset {
	out := make(Preset, len(allCategories))
	for _, cat := range allCategories {
		v := p[cat]
		if ov := other[cat]; ov > v {
			v = ov
		}
		if v > VerbosityNone {
			out[cat] = v
		}
	}
	return out
}

// Fields renders the preset as the tooling-API DebugLevel field map
// (e.g. {"ApexCode": "FINE", ...}), with every category present so a
// created/updated DebugLevel row never inherits a stale verbosity.
func (p Preset) Fields() map[string]string {
	fields := make(map[string]string, len(allCategories))
	for _, cat := range allCategories {
		fields[string(cat)] = p[cat].String()
	}
	return fields
}

// namedPresets maps issue-class intent onto a concrete per-category
// verbosity assignment.
var namedPresets = map[string]Preset{
	"minimal": {
		CategoryApexCode: VerbosityError,
		CategorySystem:   VerbosityInfo,
	},
	"soql_analysis": {
		CategoryApexCode: VerbosityInfo,
		CategoryDB:       VerbosityFinest,
		CategorySystem:   VerbosityInfo,
	},
	"governor_limits": {
		CategoryApexCode:      VerbosityInfo,
		CategoryApexProfiling: VerbosityFinest,
		CategorySystem:        VerbosityInfo,
	},
	"triggers": {
		CategoryApexCode:  VerbosityFine,
		CategoryValidation: VerbosityInfo,
		CategoryWorkflow:  VerbosityInfo,
		CategorySystem:    VerbosityInfo,
	},
	"cpu_hotspots": {
		CategoryApexCode:      VerbosityFine,
		CategoryApexProfiling: VerbosityFinest,
		CategorySystem:        VerbosityInfo,
	},
	"exceptions": {
		CategoryApexCode: VerbosityDebug,
		CategorySystem:   VerbosityWarn,
	},
	"callouts": {
		CategoryApexCode: VerbosityInfo,
		CategoryCallout:  VerbosityFinest,
		CategorySystem:   VerbosityInfo,
	},
	"ai_optimized": {
		CategoryApexCode:      VerbosityFine,
		CategoryApexProfiling: VerbosityFiner,
		CategoryDB:            VerbosityFine,
		CategoryCallout:       VerbosityInfo,
		CategorySystem:        VerbosityInfo,
	},
	"full_diagnostic": {
		CategoryApexCode:      VerbosityFinest,
		CategoryApexProfiling: VerbosityFinest,
		CategoryCallout:       VerbosityFinest,
		CategoryDB:            VerbosityFinest,
		CategoryValidation:    VerbosityFinest,
		CategoryVisualforce:   VerbosityFinest,
		CategoryWorkflow:      VerbosityFinest,
		CategorySystem:        VerbosityFinest,
		CategoryWave:          VerbosityFinest,
		CategoryNBA:           VerbosityFinest,
	},
}

// PresetByName looks up a named preset, reporting false for an unknown
// name.
func PresetByName(name string) (Preset, bool) {
	p, ok := namedPresets[name]
	return p, ok
}

// DeveloperName derives a stable DebugLevel developer name for a preset,
// so repeated ensure-debug-level calls for the same preset converge on
// the same shared row instead of creating duplicates.
func DeveloperName(presetName string) string {
	return "ApexCorrelator_" + presetName
}
