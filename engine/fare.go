package engine

import "fmt"

// DefaultPointsPerSegment is the fare of one hop between adjacent stops.
const DefaultPointsPerSegment = 10

// FareCalculator prices a trip as PerSegment × number of segments between
// the boarding and alighting stop on a one-way route.
type FareCalculator struct {
	PerSegment Points
}

func NewFareCalculator(perSegment Points) FareCalculator {
	return FareCalculator{PerSegment: perSegment}
}

func DefaultFareCalculator() FareCalculator {
	return FareCalculator{PerSegment: NewPoints(DefaultPointsPerSegment)}
}

// Quote returns the fare from `from` to `to` along stops.
// Both stops must be on the route and `to` must come strictly after `from`.
func (c FareCalculator) Quote(stops []StopID, from, to StopID) (Points, error) {
	fromIdx, toIdx := -1, -1
	for i, s := range stops {
		if s == from && fromIdx < 0 {
			fromIdx = i
		}
		if s == to && toIdx < 0 {
			toIdx = i
		}
	}

	switch {
	case fromIdx < 0:
		return Points{}, &RouteMismatchError{From: from, To: to, Reason: fmt.Sprintf("stop %q is not on the route", from)}
	case toIdx < 0:
		return Points{}, &RouteMismatchError{From: from, To: to, Reason: fmt.Sprintf("stop %q is not on the route", to)}
	case toIdx <= fromIdx:
		return Points{}, &RouteMismatchError{From: from, To: to, Reason: "destination must come after origin"}
	}

	return c.PerSegment.MulInt(int64(toIdx - fromIdx)), nil
}
