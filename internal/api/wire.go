//go:build wireinject

//go:generate wire

package api

import (
	"testing"

	"github.com/google/wire"
	"github.com/kashguard/go-mpc-mesh/internal/config"
)

// INJECTORS - https://github.com/google/wire/blob/main/docs/guide.md#injectors

// serviceSet groups the default set of providers that are required for initing a server
var serviceSet = wire.NewSet(
	newServerWithComponents,
	NewClock,
	meshServiceSet,
)

var meshServiceSet = wire.NewSet(
	NewRedisClient,
	NewTransport,
	NewPrimitiveFactory,
	NewJWTManager,
	NewSessionManager,
)

// InitNewServer returns a new Server instance.
func InitNewServer(
	_ config.Server,
) (*Server, error) {
	wire.Build(serviceSet, NoTest)
	return new(Server), nil
}

// InitNewServerWithClock returns a new Server instance using a mock clock when t is given.
func InitNewServerWithClock(
	_ config.Server,
	t ...*testing.T,
) (*Server, error) {
	wire.Build(serviceSet)
	return new(Server), nil
}
