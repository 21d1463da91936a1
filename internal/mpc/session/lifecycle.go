package session

import (
	"github.com/pkg/errors"
)

var (
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrSessionNotFound   = errors.New("session not found")
)

// canTransition 生命周期转换表；MeshReady/ProtocolRunning 在网格退化时回到 MeshBuilding
func canTransition(current, next State) bool {
	if current.Terminal() {
		return false
	}
	if next == StateFailed || next == StateExpired {
		return true
	}
	switch current {
	case StateProposed:
		return next == StateAnnounced
	case StateAnnounced:
		return next == StateAccepting
	case StateAccepting:
		return next == StateMeshBuilding
	case StateMeshBuilding:
		return next == StateMeshReady
	case StateMeshReady:
		return next == StateProtocolRunning || next == StateMeshBuilding
	case StateProtocolRunning:
		return next == StateComplete || next == StateMeshBuilding
	default:
		return false
	}
}
