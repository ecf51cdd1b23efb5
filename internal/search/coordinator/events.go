package coordinator

import (
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/aggregate"
	"github.com/Adithya-Monish-Kumar-K/peer-search-coordinator/internal/search/query"
)

type event interface {
	isEvent()
}

type searchEvent struct {
	q     query.Query
	reply chan<- error
}

// registeredEvent carries the core's answer for dispatch number gen.
type registeredEvent struct {
	gen uint64
	q   query.Query
	reg aggregate.Registration
}

type dispatchFailedEvent struct {
	gen uint64
	q   query.Query
	err error
}

type responseEvent struct {
	resp  aggregate.Response
	reply chan<- aggregate.Disposition
}

// timeoutEvent fires for the registration made at generation gen.
type timeoutEvent struct {
	requestID string
	gen       uint64
}

type showEvent struct {
	reply chan<- bool
}

type resetEvent struct {
	reply chan<- bool
}

type snapshotEvent struct {
	reply chan<- aggregate.Snapshot
}

func (searchEvent) isEvent()         {}
func (registeredEvent) isEvent()     {}
func (dispatchFailedEvent) isEvent() {}
func (responseEvent) isEvent()       {}
func (timeoutEvent) isEvent()        {}
func (showEvent) isEvent()           {}
func (resetEvent) isEvent()          {}
func (snapshotEvent) isEvent()       {}
