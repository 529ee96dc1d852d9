package game

import (
	"context"
	"sync"
	"time"

	"github.com/mworlabs/lotteryd/models"
	"github.com/mworlabs/lotteryd/store"
)

// memStore mirrors the redis store for tests: game snapshots plus a
// separate status cell that the conditional update compares against.
type memStore struct {
	mu        sync.Mutex
	games     map[string]*models.Game
	statuses  map[string]models.GameStatus
	active    map[string]bool
	userGames map[string][]string
	payments  map[string]*models.PaymentRecord
	payStatus map[string]models.PaymentStatus
	refunds   []*models.RefundRequest
	dues      []models.DueRecord
	leases    map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		games:     make(map[string]*models.Game),
		statuses:  make(map[string]models.GameStatus),
		active:    make(map[string]bool),
		userGames: make(map[string][]string),
		payments:  make(map[string]*models.PaymentRecord),
		payStatus: make(map[string]models.PaymentStatus),
		leases:    make(map[string]string),
	}
}

func (s *memStore) SaveGame(ctx context.Context, game *models.Game) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *game
	cp.Participants = append([]models.Participant(nil), game.Participants...)
	s.games[game.ID] = &cp
	// Like the redis store, saving only seeds the status cell; changes go
	// through the conditional update.
	if _, ok := s.statuses[game.ID]; !ok {
		s.statuses[game.ID] = game.Status
	}
	return nil
}

func (s *memStore) LoadGame(ctx context.Context, gameID string) (*models.Game, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.games[gameID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *g
	cp.Participants = append([]models.Participant(nil), g.Participants...)
	return &cp, nil
}

func (s *memStore) UpdateGameStatus(ctx context.Context, gameID string, from, to models.GameStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statuses[gameID] != from {
		return store.ErrCASConflict
	}
	s.statuses[gameID] = to
	return nil
}

func (s *memStore) AddActiveGame(ctx context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[gameID] = true
	return nil
}

func (s *memStore) RemoveActiveGame(ctx context.Context, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, gameID)
	return nil
}

func (s *memStore) ActiveGames(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for id := range s.active {
		out = append(out, id)
	}
	return out, nil
}

func (s *memStore) AddUserGame(ctx context.Context, userID, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userGames[userID] = append(s.userGames[userID], gameID)
	return nil
}

func (s *memStore) UserGames(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.userGames[userID]...), nil
}

func (s *memStore) SavePayment(ctx context.Context, rec *models.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.payments[rec.Reference] = &cp
	s.payStatus[rec.Reference] = rec.Status
	return nil
}

func (s *memStore) LoadPayment(ctx context.Context, reference string) (*models.PaymentRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[reference]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	cp.Status = s.payStatus[reference]
	return &cp, nil
}

func (s *memStore) UpdatePaymentStatus(ctx context.Context, reference string, from, to models.PaymentStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.payStatus[reference] != from {
		return store.ErrCASConflict
	}
	s.payStatus[reference] = to
	return nil
}

func (s *memStore) PushRefund(ctx context.Context, req *models.RefundRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refunds = append(s.refunds, req)
	return nil
}

func (s *memStore) PopRefund(ctx context.Context, timeout time.Duration) (*models.RefundRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.refunds) == 0 {
		return nil, store.ErrNotFound
	}
	req := s.refunds[0]
	s.refunds = s.refunds[1:]
	return req, nil
}

func (s *memStore) refundCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.refunds)
}

func (s *memStore) ScheduleDue(ctx context.Context, rec *models.DueRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dues = append(s.dues, *rec)
	return nil
}

func (s *memStore) CancelDue(ctx context.Context, kind models.DueKind, gameID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.dues[:0]
	for _, d := range s.dues {
		if d.Kind == kind && d.GameID == gameID {
			continue
		}
		kept = append(kept, d)
	}
	s.dues = kept
	return nil
}

func (s *memStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]models.DueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []models.DueRecord
	kept := s.dues[:0]
	for _, d := range s.dues {
		if len(claimed) < limit && !d.At.After(now) {
			claimed = append(claimed, d)
			continue
		}
		kept = append(kept, d)
	}
	s.dues = kept
	return claimed, nil
}

func (s *memStore) dueCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dues)
}

func (s *memStore) AcquireLease(ctx context.Context, gameID, instanceID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if holder, ok := s.leases[gameID]; ok && holder != instanceID {
		return false, nil
	}
	s.leases[gameID] = instanceID
	return true, nil
}

func (s *memStore) RenewLease(ctx context.Context, gameID, instanceID string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leases[gameID] == instanceID, nil
}

func (s *memStore) ReleaseLease(ctx context.Context, gameID, instanceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leases[gameID] == instanceID {
		delete(s.leases, gameID)
	}
	return nil
}

func (s *memStore) LeaseHolder(ctx context.Context, gameID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.leases[gameID]
	if !ok {
		return "", store.ErrNotFound
	}
	return holder, nil
}

func (s *memStore) Publish(ctx context.Context, channel string, payload []byte) error { return nil }

func (s *memStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte)
	return ch, func() { close(ch) }, nil
}

func (s *memStore) Close() error { return nil }
