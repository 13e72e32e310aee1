package store

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"fleetplan/internal/model"
)

// Seed is a YAML fixture of offices with their vehicles and tasks, loaded at
// startup to give a fresh store something to plan.
type Seed struct {
	Offices []SeedOffice `yaml:"offices"`
}

type SeedOffice struct {
	ID       string        `yaml:"id"`
	Tenant   string        `yaml:"tenant"`
	Name     string        `yaml:"name"`
	Address  string        `yaml:"address"`
	Lat      *float64      `yaml:"lat"`
	Lng      *float64      `yaml:"lng"`
	Vehicles []SeedVehicle `yaml:"vehicles"`
	Tasks    []SeedTask    `yaml:"tasks"`
}

type SeedVehicle struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Plate    string `yaml:"plate"`
	Capacity int    `yaml:"capacity"`
}

type SeedTask struct {
	ID        string   `yaml:"id"`
	Type      string   `yaml:"type"`
	Status    string   `yaml:"status"`
	Address   string   `yaml:"address"`
	Lat       *float64 `yaml:"lat"`
	Lng       *float64 `yaml:"lng"`
	Load      int      `yaml:"load"`
	Priority  int      `yaml:"priority"`
	Reference string   `yaml:"reference"`
}

// ParseSeed decodes a fixture and checks every id it names.
func ParseSeed(data []byte) (Seed, error) {
	var s Seed
	if err := yaml.Unmarshal(data, &s); err != nil {
		return Seed{}, fmt.Errorf("store.ParseSeed: %w", err)
	}
	for _, o := range s.Offices {
		if _, err := o.office(); err != nil {
			return Seed{}, fmt.Errorf("store.ParseSeed: %w", err)
		}
		for _, v := range o.Vehicles {
			if _, err := v.vehicle(); err != nil {
				return Seed{}, fmt.Errorf("store.ParseSeed: office %q: %w", o.Name, err)
			}
		}
		for _, t := range o.Tasks {
			if _, err := t.task(o.Tenant); err != nil {
				return Seed{}, fmt.Errorf("store.ParseSeed: office %q: %w", o.Name, err)
			}
		}
	}
	return s, nil
}

func seedID(raw string) (uuid.UUID, error) {
	if raw == "" {
		return uuid.New(), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid id %q: %w", raw, err)
	}
	return id, nil
}

func seedPoint(lat, lng *float64) *model.GeoPoint {
	if lat == nil || lng == nil {
		return nil
	}
	return &model.GeoPoint{Lat: *lat, Lng: *lng}
}

func (o SeedOffice) office() (model.Office, error) {
	id, err := seedID(o.ID)
	if err != nil {
		return model.Office{}, fmt.Errorf("office %q: %w", o.Name, err)
	}
	return model.Office{UUID: id, TenantID: o.Tenant, Name: o.Name, Address: o.Address, Location: seedPoint(o.Lat, o.Lng)}, nil
}

func (v SeedVehicle) vehicle() (model.Vehicle, error) {
	id, err := seedID(v.ID)
	if err != nil {
		return model.Vehicle{}, fmt.Errorf("vehicle %q: %w", v.Name, err)
	}
	if v.Capacity < 0 {
		return model.Vehicle{}, fmt.Errorf("vehicle %q: negative capacity", v.Name)
	}
	return model.Vehicle{UUID: id, Name: v.Name, Plate: v.Plate, MaxCapacity: v.Capacity}, nil
}

func (t SeedTask) task(tenant string) (model.Task, error) {
	id, err := seedID(t.ID)
	if err != nil {
		return model.Task{}, fmt.Errorf("task: %w", err)
	}
	status := model.TaskStatus(t.Status)
	if status == "" {
		status = model.TaskPending
	}
	typ := t.Type
	if typ == "" {
		typ = "delivery"
	}
	return model.Task{
		UUID:      id,
		TenantID:  tenant,
		Type:      typ,
		Status:    status,
		Address:   t.Address,
		Location:  seedPoint(t.Lat, t.Lng),
		LoadUnits: t.Load,
		Priority:  t.Priority,
		Reference: t.Reference,
	}, nil
}
