package store

import (
	"context"
	"errors"
	"fmt"
)

// Database is a dialed store holding named collections.
type Database interface {
	Collection(name string) Backend
	Close(ctx context.Context) error
}

// Dialer opens a Database at endpoint.
type Dialer func(ctx context.Context, endpoint string) (Database, error)

// Endpoint produces the address to dial.
type Endpoint func(ctx context.Context) (string, error)

// StaticEndpoint returns an Endpoint that always yields address.
func StaticEndpoint(address string) Endpoint {
	return func(context.Context) (string, error) {
		return address, nil
	}
}

// Instance is a store process owned by a Connection, such as an ephemeral
// test server.
type Instance interface {
	Endpoint() string
	Stop(ctx context.Context) error
}

// Connection is an open Database plus whatever it owns.
type Connection struct {
	db       Database
	instance Instance
}

// Connect dials the address produced by endpoint.
func Connect(ctx context.Context, endpoint Endpoint, dial Dialer) (*Connection, error) {
	address, err := endpoint(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve endpoint: %w", err)
	}
	db, err := dial(ctx, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", address, err)
	}
	return &Connection{db: db}, nil
}

// ConnectEphemeral dials instance and takes ownership of it: Close stops it.
// The instance is stopped right away if dialing fails.
func ConnectEphemeral(ctx context.Context, instance Instance, dial Dialer) (*Connection, error) {
	conn, err := Connect(ctx, StaticEndpoint(instance.Endpoint()), dial)
	if err != nil {
		return nil, errors.Join(err, instance.Stop(ctx))
	}
	conn.instance = instance
	return conn, nil
}

// Collection opens the named collection with config.
func (c *Connection) Collection(name string, config Config) (*Collection, error) {
	return New(c.db.Collection(name), config)
}

// Close closes the database, then stops the owned instance if any.
func (c *Connection) Close(ctx context.Context) error {
	err := c.db.Close(ctx)
	if c.instance != nil {
		err = errors.Join(err, c.instance.Stop(ctx))
	}
	return err
}
