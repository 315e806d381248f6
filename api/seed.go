/*
seed.go - Demo data loader

PURPOSE:
  Populates an empty deployment with shuttles and riders that exercise the
  interesting paths of the engine. Enabled with the -seed flag.

DEMO DATA:
  Shuttles (departing tomorrow 08:00 and 17:30 UTC):
    north-loop:     library → gym → dorms → station → hospital → lab
    south-express:  station → market → stadium → harbour

  Riders:
    ada:    100 points, nothing booked
    grace:  40 points, one confirmed north-loop trip
    linus:  15 points, cannot afford a long trip
    max:    frequent canceller, 4 cancellations already; the next one
            is charged the cancellation penalty

HOW SEEDING WORKS:
 1. Upsert shuttles (departures move with the current date)
 2. Register each rider; a rider that already exists is left untouched
 3. Replay that rider's bookings/cancellations through the Service, so
    every balance is backed by ledger entries

SEE ALSO:
  - cmd/server/main.go: -seed flag
  - engine/service.go: Operations the seed goes through
*/
package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/campusride/shuttle-engine/engine"
)

// DemoShuttles returns the demo routes with departures on the day after now.
func DemoShuttles(now time.Time) []engine.Shuttle {
	tomorrow := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	return []engine.Shuttle{
		{
			ID:          "north-loop",
			Name:        "North Loop",
			Stops:       []engine.StopID{"library", "gym", "dorms", "station", "hospital", "lab"},
			DepartureAt: tomorrow.Add(8 * time.Hour),
			Active:      true,
		},
		{
			ID:          "south-express",
			Name:        "South Express",
			Stops:       []engine.StopID{"station", "market", "stadium", "harbour"},
			DepartureAt: tomorrow.Add(17*time.Hour + 30*time.Minute),
			Active:      true,
		},
	}
}

type demoRider struct {
	id      engine.RiderID
	name    string
	grant   int64
	trips   [][2]engine.StopID // north-loop trips kept confirmed
	cancels int                // north-loop library→gym trips booked then cancelled
}

var demoRiders = []demoRider{
	{id: "ada", name: "Ada Lovelace", grant: 100},
	{id: "grace", name: "Grace Hopper", grant: 40, trips: [][2]engine.StopID{{"gym", "station"}}},
	{id: "linus", name: "Linus Torvalds", grant: 15},
	{id: "max", name: "Max Canceller", grant: 60, cancels: 4},
}

// LoadDemo seeds shuttles and riders. It is safe to run on every start.
func LoadDemo(ctx context.Context, svc *engine.Service, shuttles engine.ShuttleStore, now time.Time) error {
	for _, sh := range DemoShuttles(now) {
		if err := shuttles.SaveShuttle(ctx, sh); err != nil {
			return fmt.Errorf("seed shuttle %s: %w", sh.ID, err)
		}
	}

	for _, d := range demoRiders {
		_, err := svc.RegisterRider(ctx, engine.RegisterCommand{
			ID:           d.id,
			Name:         d.name,
			InitialGrant: engine.NewPoints(d.grant),
		})
		if errors.Is(err, engine.ErrRiderExists) {
			continue
		}
		if err != nil {
			return fmt.Errorf("seed rider %s: %w", d.id, err)
		}

		for _, trip := range d.trips {
			if _, err := book(ctx, svc, d.id, trip[0], trip[1]); err != nil {
				return err
			}
		}
		for i := 0; i < d.cancels; i++ {
			id, err := book(ctx, svc, d.id, "library", "gym")
			if err != nil {
				return err
			}
			if _, err := svc.CancelBooking(ctx, engine.CancelCommand{BookingID: id, RiderID: d.id}); err != nil {
				return fmt.Errorf("seed cancellation for %s: %w", d.id, err)
			}
		}
	}
	return nil
}

func book(ctx context.Context, svc *engine.Service, rider engine.RiderID, from, to engine.StopID) (engine.BookingID, error) {
	res, err := svc.ConfirmBooking(ctx, engine.ConfirmCommand{
		RiderID:   rider,
		ShuttleID: "north-loop",
		FromStop:  from,
		ToStop:    to,
	})
	if err != nil {
		return "", fmt.Errorf("seed booking for %s: %w", rider, err)
	}
	return res.BookingID, nil
}
