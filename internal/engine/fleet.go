package engine

import (
	"context"

	"github.com/google/uuid"

	"complyline/internal/domain"
	"complyline/internal/events"
)

// AircraftInput registers one airframe in the fleet.
type AircraftInput struct {
	ID              string  `json:"id,omitempty"`
	Registration    string  `json:"registration" validate:"required,max=16"`
	Type            string  `json:"type" validate:"required,max=64"`
	SerialNumber    string  `json:"serial_number" validate:"required,max=64"`
	Status          string  `json:"status" validate:"omitempty,oneof=operational maintenance inspection grounded"`
	FlightHours     float64 `json:"flight_hours" validate:"gte=0"`
	Cycles          int     `json:"cycles" validate:"gte=0"`
	LastMaintenance *string `json:"last_maintenance" validate:"omitempty,isodate"`
	NextDue         *string `json:"next_due" validate:"omitempty,isodate"`
	ActorID         string  `json:"-"`
}

func (e Engine) RegisterAircraft(ctx context.Context, in AircraftInput) (domain.Aircraft, error) {
	if err := validateStruct(in); err != nil {
		return domain.Aircraft{}, err
	}
	t, err := e.begin(ctx)
	if err != nil {
		return domain.Aircraft{}, err
	}
	defer t.Rollback()

	now := e.stamp()
	a := domain.Aircraft{
		ID:              in.ID,
		Registration:    in.Registration,
		Type:            in.Type,
		SerialNumber:    in.SerialNumber,
		Status:          in.Status,
		FlightHours:     in.FlightHours,
		Cycles:          in.Cycles,
		LastMaintenance: in.LastMaintenance,
		NextDue:         in.NextDue,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = domain.AircraftOperational
	}
	if err := e.Repo.InsertAircraft(ctx, t.Tx, a); err != nil {
		return domain.Aircraft{}, err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.AircraftRegistered,
		EntityKind: "aircraft",
		EntityID:   a.ID,
		ActorID:    in.ActorID,
		Payload:    events.EventPayload{"registration": a.Registration, "type": a.Type},
	}); err != nil {
		return domain.Aircraft{}, err
	}
	if err := t.commit(); err != nil {
		return domain.Aircraft{}, err
	}
	return a, nil
}

// applyReadings records hour and cycle counters, which never run backwards.
func applyReadings(a *domain.Aircraft, hours *float64, cycles *int) error {
	if hours != nil {
		if *hours < a.FlightHours {
			return domain.Validation("flight_hours %.1f is below recorded %.1f for %s", *hours, a.FlightHours, a.Registration)
		}
		a.FlightHours = *hours
	}
	if cycles != nil {
		if *cycles < a.Cycles {
			return domain.Validation("cycles %d is below recorded %d for %s", *cycles, a.Cycles, a.Registration)
		}
		a.Cycles = *cycles
	}
	return nil
}

// DeleteAircraft removes an airframe with no open work orders.
func (e Engine) DeleteAircraft(ctx context.Context, id, actorID string) error {
	t, err := e.begin(ctx)
	if err != nil {
		return err
	}
	defer t.Rollback()

	a, err := e.Repo.GetAircraftTx(ctx, t.Tx, id)
	if err != nil {
		return err
	}
	open, err := e.Repo.CountOpenWorkOrdersForAircraftTx(ctx, t.Tx, a.ID)
	if err != nil {
		return err
	}
	if open > 0 {
		return domain.Validation("aircraft %s has %d open work orders", a.Registration, open)
	}
	if err := e.Repo.DeleteAircraftTx(ctx, t.Tx, a.ID); err != nil {
		return err
	}
	if err := t.emit(ctx, events.Record{
		Type:       events.AircraftRemoved,
		EntityKind: "aircraft",
		EntityID:   a.ID,
		ActorID:    actorID,
		Payload:    events.EventPayload{"registration": a.Registration},
	}); err != nil {
		return err
	}
	return t.commit()
}
