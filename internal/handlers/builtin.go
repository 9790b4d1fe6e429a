package handlers

import (
	"context"
	"time"

	"github.com/danmuck/restpipe/internal/router"
	"github.com/rs/zerolog/log"
)

const (
	SetNone       = "none"
	SetTestServer = "test.server"
	SetTestClient = "test.client"
)

// Builtin returns a registry holding the sets shipped with the binaries.
func Builtin() *Registry {
	r := NewRegistry()
	for _, s := range []Set{
		{Name: SetNone, Description: "no handlers; every event is unhandled", Install: func(*router.Router) {}},
		{Name: SetTestServer, Description: "get_time and get_cat answered by the server", Install: testSet("server")},
		{Name: SetTestClient, Description: "get_time and get_cat answered by the client", Install: testSet("client")},
	} {
		if err := r.Register(s); err != nil {
			panic(err)
		}
	}
	return r
}

// testSet installs get_time and get_cat. side names the answering process
// in the reply keys, e.g. "time_from_server".
func testSet(side string) Installer {
	timeKey := "time_from_" + side
	resultKey := "result_from_" + side
	return func(r *router.Router) {
		r.HandleName("get_time", func(_ context.Context, rc router.Context, _ router.Body, _ ...string) (any, error) {
			log.Info().Str("peer", peer(rc)).Msg("handlers.get_time")
			return map[string]float64{timeKey: float64(time.Now().UnixNano()) / 1e9}, nil
		})
		r.HandleName("get_cat", func(_ context.Context, rc router.Context, _ router.Body, params ...string) (any, error) {
			log.Info().Str("peer", peer(rc)).Strs("params", params).Msg("handlers.get_cat")
			if len(params) != 2 {
				return nil, router.Managed(400, "get_cat takes 2 parameters, got %d", len(params))
			}
			return map[string]string{resultKey: params[0] + params[1]}, nil
		})
	}
}

func peer(rc router.Context) string {
	if rc.Peer == nil {
		return ""
	}
	return rc.Peer.RemoteAddr()
}
