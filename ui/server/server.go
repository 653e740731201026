// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"context"
	"net/http"
	"time"

	"github.com/pinsetter/pinsetter"
)

// Server is a simple web server with a WebSocket backend.
type Server struct {
	store pinsetter.Store
}

// New initializes a new Server.
func New(store pinsetter.Store) *Server {
	return &Server{
		store: store,
	}
}

// Serve initializes the mux and starts the web server at the given address.
func (srv *Server) Serve(addr string) error {
	r := http.DefaultServeMux
	r.Handle("/ws", wsserver{store: srv.store})
	r.Handle("/", http.FileServer(http.Dir("public")))
	StateUpdates = make(chan *State)
	defer close(StateUpdates)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go watcher(ctx, srv.store)
	go h.run(ctx) // run websocket hub
	return http.ListenAndServe(addr, r)
}

// State is the current state of the job subsystem.
type State struct {
	Type     string                 `json:"type"`
	Stats    *pinsetter.Stats       `json:"stats,omitempty"`
	Pending  []*pinsetter.JobStatus `json:"pending,omitempty"`
	Queued   []*pinsetter.JobStatus `json:"queued,omitempty"`
	Running  []*pinsetter.JobStatus `json:"running,omitempty"`
	Finished []*pinsetter.JobStatus `json:"finished,omitempty"`
	Failed   []*pinsetter.JobStatus `json:"failed,omitempty"`
	Canceled []*pinsetter.JobStatus `json:"canceled,omitempty"`
}

var StateUpdates chan *State

func watcher(ctx context.Context, store pinsetter.Store) {
	t := time.NewTicker(1 * time.Second)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			newState := &State{Type: "SET_STATE"}
			stats, err := store.Stats(&pinsetter.StatsRequest{})
			if err != nil {
				panic(err)
			}
			newState.Stats = stats
			rsp, err := store.List(&pinsetter.ListRequest{State: pinsetter.Pending})
			if err != nil {
				panic(err)
			}
			newState.Pending = rsp.Jobs
			rsp, err = store.List(&pinsetter.ListRequest{State: pinsetter.Queued})
			if err != nil {
				panic(err)
			}
			newState.Queued = rsp.Jobs
			rsp, err = store.List(&pinsetter.ListRequest{State: pinsetter.Running})
			if err != nil {
				panic(err)
			}
			newState.Running = rsp.Jobs
			rsp, err = store.List(&pinsetter.ListRequest{State: pinsetter.Finished, Limit: 10})
			if err != nil {
				panic(err)
			}
			newState.Finished = rsp.Jobs
			rsp, err = store.List(&pinsetter.ListRequest{State: pinsetter.Failed, Limit: 10})
			if err != nil {
				panic(err)
			}
			newState.Failed = rsp.Jobs
			rsp, err = store.List(&pinsetter.ListRequest{State: pinsetter.Canceled, Limit: 10})
			if err != nil {
				panic(err)
			}
			newState.Canceled = rsp.Jobs
			StateUpdates <- newState
		case <-ctx.Done():
			return
		}
	}
}
