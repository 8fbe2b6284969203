package history

import (
	"context"

	"blewatch/internal/bus"
	"blewatch/internal/connevents"
)

// Recorder keeps a ConnectionHistory current from bus status events.
type Recorder struct {
	bus     bus.MessageBus
	history *ConnectionHistory
}

func NewRecorder(messageBus bus.MessageBus, h *ConnectionHistory) *Recorder {
	return &Recorder{bus: messageBus, history: h}
}

// Start consumes conn.status events until ctx is cancelled.
func (r *Recorder) Start(ctx context.Context) {
	if r == nil || r.bus == nil || r.history == nil {
		return
	}

	sub := r.bus.SubscribeStatus()

	go func() {
		defer r.bus.Unsubscribe(sub)

		for {
			select {
			case <-ctx.Done():
				return
			case raw, ok := <-sub:
				if !ok {
					return
				}
				status, ok := raw.(connevents.ConnStatus)
				if !ok {
					continue
				}
				r.record(status)
			}
		}
	}()
}

func (r *Recorder) record(status connevents.ConnStatus) {
	switch status.State {
	case connevents.ConnectionStateConnected:
		r.history.LogConnection(status.Target)
	case connevents.ConnectionStateReconnecting:
		r.history.LogFailure(status.Target)
	case connevents.ConnectionStateStopped:
		r.history.LogDisconnection(status.Target)
	}
}
