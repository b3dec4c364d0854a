package server

import (
	"github.com/teranos/backtestq/pulse/events"
)

// startEventBroadcaster subscribes to the hub and fans events out to clients
func (s *Server) startEventBroadcaster() {
	ch := s.hub.Subscribe()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer s.hub.Unsubscribe(ch)

		for {
			select {
			case <-s.ctx.Done():
				s.logger.Debugw("Event broadcaster stopping due to context cancellation")
				return
			case ev := <-ch:
				s.broadcast(ev)
			}
		}
	}()

	s.logger.Infow("Event broadcaster started")
}

// broadcast sends ev to every client allowed to see it. Returns the number
// of clients that accepted the event (channel not full).
func (s *Server) broadcast(ev events.Event) int {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for client := range s.clients {
		if client.wants(ev) {
			clients = append(clients, client)
		}
	}
	s.mu.RUnlock()

	sent := 0
	for _, client := range clients {
		select {
		case client.send <- ev:
			sent++
		default:
			s.broadcastDrops.Add(1)
		}
	}
	return sent
}
