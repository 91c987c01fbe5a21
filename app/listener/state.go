package listener

import (
	"github.com/lysyi3m/tg-comb/app/metrics"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateSubscribed   State = "subscribed"
	// StateStopped is terminal: the listener was stopped or its channel
	// could not be resolved.
	StateStopped State = "stopped"
)

var allStates = []State{StateDisconnected, StateConnecting, StateSubscribed, StateStopped}

func reportState(channel string, current State) {
	for _, s := range allStates {
		value := 0.0
		if s == current {
			value = 1
		}
		metrics.ListenerState.WithLabelValues(channel, string(s)).Set(value)
	}
}
