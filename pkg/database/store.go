package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/3whiskeywhiskey/fleet-orchestrator/pkg/models"
)

// Supported storage drivers
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

const (
	machinesSnapshot    = "machines"
	deploymentsSnapshot = "deployments"
)

// Config holds storage configuration
type Config struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Store persists full snapshots of the machine and deployment maps.
// Every save rewrites the whole map; there are no partial updates.
type Store interface {
	LoadMachines(ctx context.Context) (map[string]*models.Machine, error)
	SaveMachines(ctx context.Context, machines map[string]*models.Machine) error
	LoadDeployments(ctx context.Context) (map[string]*models.RemoteDeployment, error)
	SaveDeployments(ctx context.Context, deployments map[string]*models.RemoteDeployment) error
	Close() error
}

// backend stores opaque snapshot documents by name
type backend interface {
	put(ctx context.Context, name string, data []byte) error
	get(ctx context.Context, name string) ([]byte, error)
	Close() error
}

// New opens the store selected by cfg.Driver
func New(cfg Config) (Store, error) {
	var (
		b   backend
		err error
	)

	switch cfg.Driver {
	case DriverFile, "":
		b, err = newFileBackend(cfg.DSN)
	case DriverBadger:
		b, err = newBadgerBackend(cfg.DSN)
	case DriverSQLite, DriverPostgres:
		var db *DB
		db, err = Open(cfg)
		if err == nil {
			if err = db.Migrate(); err != nil {
				db.Close()
			}
		}
		b = db
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	return &snapshotStore{backend: b}, nil
}

type machineSnapshot struct {
	Machines    map[string]*models.Machine `json:"machines"`
	LastUpdated time.Time                  `json:"last_updated"`
}

type deploymentSnapshot struct {
	Deployments map[string]*models.RemoteDeployment `json:"deployments"`
	LastUpdated time.Time                           `json:"last_updated"`
}

type snapshotStore struct {
	backend
}

func (s *snapshotStore) LoadMachines(ctx context.Context) (map[string]*models.Machine, error) {
	var snap machineSnapshot
	if err := s.load(ctx, machinesSnapshot, &snap); err != nil {
		return nil, err
	}
	if snap.Machines == nil {
		snap.Machines = make(map[string]*models.Machine)
	}
	return snap.Machines, nil
}

func (s *snapshotStore) SaveMachines(ctx context.Context, machines map[string]*models.Machine) error {
	return s.save(ctx, machinesSnapshot, machineSnapshot{
		Machines:    machines,
		LastUpdated: time.Now().UTC(),
	})
}

func (s *snapshotStore) LoadDeployments(ctx context.Context) (map[string]*models.RemoteDeployment, error) {
	var snap deploymentSnapshot
	if err := s.load(ctx, deploymentsSnapshot, &snap); err != nil {
		return nil, err
	}
	if snap.Deployments == nil {
		snap.Deployments = make(map[string]*models.RemoteDeployment)
	}
	return snap.Deployments, nil
}

func (s *snapshotStore) SaveDeployments(ctx context.Context, deployments map[string]*models.RemoteDeployment) error {
	return s.save(ctx, deploymentsSnapshot, deploymentSnapshot{
		Deployments: deployments,
		LastUpdated: time.Now().UTC(),
	})
}

func (s *snapshotStore) load(ctx context.Context, name string, v interface{}) error {
	data, err := s.get(ctx, name)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s snapshot: %w", name, err)
	}
	return nil
}

func (s *snapshotStore) save(ctx context.Context, name string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s snapshot: %w", name, err)
	}
	return s.put(ctx, name, data)
}
