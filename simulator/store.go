package simulator

import "sync"

// Store holds every charger known to the running process, keyed by the
// charge point identity.
type Store struct {
	mux      sync.Mutex
	chargers map[string]*Charger
}

func NewStore() *Store {
	return &Store{
		chargers: make(map[string]*Charger),
	}
}

func (s *Store) Add(ch *Charger) {
	s.mux.Lock()
	s.chargers[ch.Id] = ch
	s.mux.Unlock()
}

func (s *Store) Get(chargePointId string) *Charger {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.chargers[chargePointId]
}

func (s *Store) Remove(chargePointId string) *Charger {
	s.mux.Lock()
	defer s.mux.Unlock()
	ch := s.chargers[chargePointId]
	delete(s.chargers, chargePointId)
	return ch
}

func (s *Store) All() []*Charger {
	s.mux.Lock()
	defer s.mux.Unlock()
	chargers := make([]*Charger, 0, len(s.chargers))
	for _, ch := range s.chargers {
		chargers = append(chargers, ch)
	}
	return chargers
}

func (s *Store) ByLocation(locationId string) []*Charger {
	s.mux.Lock()
	defer s.mux.Unlock()
	var chargers []*Charger
	for _, ch := range s.chargers {
		if ch.LocationId == locationId {
			chargers = append(chargers, ch)
		}
	}
	return chargers
}

func (s *Store) Size() int {
	s.mux.Lock()
	defer s.mux.Unlock()
	return len(s.chargers)
}
