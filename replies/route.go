package replies

import "github.com/peake100/icsconsole-go/envelope"

// Route names one reply channel of a Set.
type Route int

const (
	// RouteDefault is the generic channel: terminal responses from every instrument and
	// anything from an unrecognized instrument.
	RouteDefault Route = iota
	// RouteGuide carries in-progress updates from the guide-camera array.
	RouteGuide
	// RouteADC carries in-progress updates from the ADC.
	RouteADC
	// RouteSpec carries in-progress updates from the spectrograph.
	RouteSpec

	routeCount
)

// RouteCount is the number of reply channels in a Set.
const RouteCount = int(routeCount)

// Routes lists every route, default first.
var Routes = [...]Route{RouteDefault, RouteGuide, RouteADC, RouteSpec}

// InstrumentRoute returns the dedicated progress route of inst. ok is false for
// envelope.Unrecognized.
func InstrumentRoute(inst envelope.Instrument) (route Route, ok bool) {
	switch inst {
	case envelope.Guide:
		return RouteGuide, true
	case envelope.ADC:
		return RouteADC, true
	case envelope.Spec:
		return RouteSpec, true
	default:
		return RouteDefault, false
	}
}

// Instrument returns the instrument owning the route, or envelope.Unrecognized for
// RouteDefault.
func (route Route) Instrument() envelope.Instrument {
	switch route {
	case RouteGuide:
		return envelope.Guide
	case RouteADC:
		return envelope.ADC
	case RouteSpec:
		return envelope.Spec
	default:
		return envelope.Unrecognized
	}
}

// valid reports whether route indexes a Set.
func (route Route) valid() bool {
	return route >= RouteDefault && route < routeCount
}

// String implements fmt.Stringer.
func (route Route) String() string {
	if route == RouteDefault {
		return "DEFAULT"
	}
	if !route.valid() {
		return "INVALID"
	}
	return route.Instrument().Tag()
}
