package common

import (
	"net/http"
	"sort"

	"github.com/go-openapi/strfmt"
	"github.com/go-openapi/swag"
	"github.com/kashguard/go-mpc-mesh/internal/api"
	"github.com/kashguard/go-mpc-mesh/internal/types"
	"github.com/kashguard/go-mpc-mesh/internal/util"
	"github.com/labstack/echo/v4"
)

func GetHealthyRoute(s *api.Server) *echo.Route {
	return s.Router.Management.GET("/healthy", getHealthyHandler(s))
}

// getHealthyHandler 返回节点 id、活跃会话数和已连接对端的心跳质量
func getHealthyHandler(s *api.Server) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !s.Ready() {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "server is not ready")
		}

		peers := s.Sessions.ConnectedPeers()
		ids := make([]string, 0, len(peers))
		for id := range peers {
			ids = append(ids, id)
		}
		sort.Strings(ids)

		res := &types.HealthStatus{
			NodeID:         swag.String(s.Sessions.NodeID()),
			ActiveSessions: int64(len(s.Sessions.Sessions())),
			Peers:          make([]*types.PeerHealth, 0, len(ids)),
		}
		for _, id := range ids {
			q := peers[id]
			res.Peers = append(res.Peers, &types.PeerHealth{
				PeerID:    id,
				Alive:     q.Alive,
				LatencyMS: q.LatencyMS,
				Loss:      q.Loss,
				LastSeen:  strfmt.DateTime(q.LastSeen),
			})
		}

		return util.ValidateAndReturn(c, http.StatusOK, res)
	}
}
