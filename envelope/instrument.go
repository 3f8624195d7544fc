package envelope

import "strings"

// Instrument identifies a subsystem controller on the ICS bus. The set is closed: any
// tag that is not one of the known subsystems parses to Unrecognized.
type Instrument int

const (
	// Unrecognized is any instrument tag outside the known set. Envelopes from an
	// unrecognized instrument are always routed to the default reply channel.
	Unrecognized Instrument = iota
	// Guide is the guide-camera array (GFA).
	Guide
	// ADC is the atmospheric dispersion corrector.
	ADC
	// Spec is the spectrograph.
	Spec

	instrumentCount
)

// InstrumentCount is the number of instrument values, including Unrecognized. Useful for
// sizing tables indexed by Instrument.
const InstrumentCount = int(instrumentCount)

// Known lists the instruments that own a dedicated progress channel.
var Known = [...]Instrument{Guide, ADC, Spec}

var instrumentTags = [instrumentCount]string{
	Unrecognized: "",
	Guide:        "GFA",
	ADC:          "ADC",
	Spec:         "SPEC",
}

// ParseInstrument maps a wire tag to an Instrument. Matching is exact on the canonical
// tag, with GUIDE accepted as an alias for the guide-camera array.
func ParseInstrument(tag string) Instrument {
	switch tag {
	case "GFA", "GUIDE":
		return Guide
	case "ADC":
		return ADC
	case "SPEC":
		return Spec
	default:
		return Unrecognized
	}
}

// Tag returns the canonical wire tag, also used as the routing key for commands sent to
// the instrument. Unrecognized has no tag.
func (inst Instrument) Tag() string {
	if inst < 0 || inst >= instrumentCount {
		return ""
	}
	return instrumentTags[inst]
}

// IsKnown reports whether inst is one of Known.
func (inst Instrument) IsKnown() bool {
	return inst > Unrecognized && inst < instrumentCount
}

// String implements fmt.Stringer.
func (inst Instrument) String() string {
	if !inst.IsKnown() {
		return "UNRECOGNIZED"
	}
	return inst.Tag()
}

// Process is the lifecycle stage tag carried by every envelope. Tags are free-form;
// only equality against the sentinels below carries meaning.
type Process string

const (
	// ProcessInProgress marks an interim progress update.
	ProcessInProgress Process = "ING"
	// ProcessDone marks the terminal response of a command.
	ProcessDone Process = "Done"
	// ProcessStart marks a command sent by the console.
	ProcessStart Process = "START"
)

// IsInProgress reports whether the tag is the in-progress sentinel.
func (process Process) IsInProgress() bool {
	return process == ProcessInProgress
}

// IsTerminal reports whether the tag names a completed command. Comparison is case
// insensitive because controllers are not consistent about "Done" vs "DONE".
func (process Process) IsTerminal() bool {
	return strings.EqualFold(string(process), string(ProcessDone))
}
