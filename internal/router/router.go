// Package router picks which service instance a client operation goes to.
//
// User operations go to the user pool, live subscriptions to the stream
// pool, and everything else to the chat pool. Each pool rotates through
// its endpoints independently.
package router

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
)

var ErrNoEndpoints = errors.New("router: no endpoints configured")

type Kind int

const (
	Query Kind = iota
	Mutation
	Subscription
)

func (k Kind) String() string {
	switch k {
	case Query:
		return "query"
	case Mutation:
		return "mutation"
	case Subscription:
		return "subscription"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

type Topic int

const (
	TopicChat Topic = iota
	TopicUser
)

// Operation is one client call, named the way the API documents it
// (createUser, sendMessage, subscribeMessages, ...).
type Operation struct {
	Name string
	Kind Kind
}

// TopicOf classifies an operation name. Anything that mentions a user is
// served by the user pool.
func TopicOf(name string) Topic {
	switch {
	case name == "user", name == "createUser", name == "userByUsername":
		return TopicUser
	case strings.Contains(name, "User"):
		return TopicUser
	default:
		return TopicChat
	}
}

// Counter is the rotation state of a RoundRobin. *atomic.Uint64 satisfies
// it; tests inject their own to pin the starting position.
type Counter interface {
	Add(delta uint64) uint64
}

// RoundRobin hands out endpoints in order, wrapping around. Safe for
// concurrent use.
type RoundRobin struct {
	endpoints []string
	counter   Counter
}

// NewRoundRobin copies endpoints. A nil counter starts at the first one.
func NewRoundRobin(endpoints []string, counter Counter) *RoundRobin {
	if counter == nil {
		counter = new(atomic.Uint64)
	}
	return &RoundRobin{
		endpoints: append([]string(nil), endpoints...),
		counter:   counter,
	}
}

func (r *RoundRobin) Next() (string, error) {
	if len(r.endpoints) == 0 {
		return "", ErrNoEndpoints
	}
	i := r.counter.Add(1) - 1
	return r.endpoints[i%uint64(len(r.endpoints))], nil
}

func (r *RoundRobin) Len() int { return len(r.endpoints) }

type Router struct {
	users   *RoundRobin
	chats   *RoundRobin
	streams *RoundRobin
}

func New(users, chats, streams *RoundRobin) *Router {
	return &Router{users: users, chats: chats, streams: streams}
}

// Route returns the endpoint that should serve op.
func (r *Router) Route(op Operation) (string, error) {
	pool := r.chats
	switch {
	case op.Kind == Subscription:
		pool = r.streams
	case TopicOf(op.Name) == TopicUser:
		pool = r.users
	}

	endpoint, err := pool.Next()
	if err != nil {
		return "", fmt.Errorf("route %s %s: %w", op.Kind, op.Name, err)
	}
	return endpoint, nil
}
