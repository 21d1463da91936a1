package sessions

import (
	"encoding/hex"

	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/mpc/session"
	"github.com/kashguard/go-mpc-mesh/internal/types"
)

// ToSessionStatus 会话快照转换为 API 响应
func ToSessionStatus(snap *session.Snapshot) *types.SessionStatus {
	res := &types.SessionStatus{
		SessionID:      swag.String(snap.SessionID),
		Kind:           swag.String(string(snap.Kind)),
		LifecycleState: swag.String(string(snap.State)),
		Reason:         string(snap.Reason),
		Proposer:       snap.Proposer,
		WalletID:       snap.WalletID,
		Threshold:      swag.Int64(int64(snap.Threshold)),
		Total:          swag.Int64(int64(snap.Total)),
		Roster:         snap.Roster,
		Accepted:       snap.Accepted,
		Mesh: &types.MeshStatus{
			Status: snap.Mesh.Kind.String(),
			Ready:  snap.Mesh.Ready,
			Links:  make([]*types.LinkStatus, 0, len(snap.Links)),
		},
		RoundProgress: &types.RoundProgress{
			State:       snap.Progress.State,
			Round:       int64(snap.Progress.Round),
			TotalRounds: int64(snap.Progress.TotalRounds),
			Expected:    snap.Progress.Expected,
			Received:    snap.Progress.Received,
			Missing:     snap.Progress.Missing,
			Suspended:   snap.Progress.Suspended,
		},
		CreatedAt: strfmt.DateTime(snap.CreatedAt),
		ExpiresAt: strfmt.DateTime(snap.ExpiresAt),
	}

	if res.Roster == nil {
		res.Roster = []string{}
	}
	if res.Accepted == nil {
		res.Accepted = []string{}
	}

	for _, link := range snap.Links {
		l := &types.LinkStatus{
			Peer:      link.Peer,
			State:     link.State.String(),
			LatencyMS: link.Quality.LatencyMS,
			Loss:      link.Quality.Loss,
		}
		if !link.Deadline.IsZero() {
			deadline := strfmt.DateTime(link.Deadline)
			l.Deadline = &deadline
		}
		res.Mesh.Links = append(res.Mesh.Links, l)
	}

	if snap.Error != nil {
		res.Error = &types.SessionError{
			Kind:     snap.Error.Kind.String(),
			Reason:   string(snap.Error.Reason),
			Message:  snap.Error.Message,
			Round:    int64(snap.Error.Round),
			Culprits: snap.Error.Culprits,
		}
	}
	if len(snap.GroupKey) > 0 {
		res.GroupKeyHex = hex.EncodeToString(snap.GroupKey)
	}
	if len(snap.Signature) > 0 {
		res.SignatureHex = hex.EncodeToString(snap.Signature)
	}
	if snap.CompletedAt != nil {
		completedAt := strfmt.DateTime(*snap.CompletedAt)
		res.CompletedAt = &completedAt
	}

	return res
}
