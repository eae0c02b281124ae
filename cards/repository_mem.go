package cards

import (
	"context"
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/alovak/cardledger/cards/models"
	"github.com/alovak/cardledger/internal/expiry"
)

// memStore is the in-memory backend. Committed state lives in the maps
// under mu. Every card has a row lock: a buffered channel of size one, so
// lock waits can give up when the context ends.
type memStore struct {
	mu         sync.Mutex
	cards      map[int64]*models.Card
	byExternal map[string]int64
	byHash     map[string]int64
	hashes     map[int64]string
	locks      map[int64]chan struct{}
	ops        []models.Operation
	lastCardID int64
	lastOpID   int64
}

func newMemStore() *memStore {
	return &memStore{
		cards:      make(map[int64]*models.Card),
		byExternal: make(map[string]int64),
		byHash:     make(map[string]int64),
		hashes:     make(map[int64]string),
		locks:      make(map[int64]chan struct{}),
	}
}

func (s *memStore) lock(ctx context.Context, id int64) error {
	s.mu.Lock()
	ch, ok := s.locks[id]
	s.mu.Unlock()
	if !ok {
		return ErrCardNotFound
	}

	select {
	case ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *memStore) unlock(id int64) {
	s.mu.Lock()
	ch := s.locks[id]
	s.mu.Unlock()
	<-ch
}

func (s *memStore) createCard(card *models.Card, hash []byte) error {
	key := hex.EncodeToString(hash)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, taken := s.byHash[key]; taken {
		return ErrDuplicateCardNumber
	}
	if _, taken := s.byExternal[card.ExternalID]; taken {
		return ErrDuplicateCardNumber
	}

	s.lastCardID++
	now := time.Now().UTC()
	card.ID = s.lastCardID
	card.CreatedAt = now
	card.UpdatedAt = now

	stored := *card
	stored.Number = ""
	s.cards[card.ID] = &stored
	s.byExternal[card.ExternalID] = card.ID
	s.byHash[key] = card.ID
	s.hashes[card.ID] = key
	s.locks[card.ID] = make(chan struct{}, 1)
	return nil
}

func (s *memStore) resolve(ref cardRef) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id int64
		ok bool
	)
	if ref.externalID != "" {
		id, ok = s.byExternal[ref.externalID]
	} else {
		id, ok = s.byHash[hex.EncodeToString(ref.panHash)]
	}
	if !ok {
		return 0, ErrCardNotFound
	}
	return id, nil
}

func (s *memStore) getCard(id int64) (*models.Card, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[id]
	if !ok {
		return nil, ErrCardNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) findByOwner(ownerID string) []*models.Card {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Card, 0)
	for _, c := range s.cards {
		if c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) updateStatusIfRevision(ctx context.Context, id int64, status models.CardStatus, expected int64) (*models.Card, error) {
	if err := s.lock(ctx, id); err != nil {
		return nil, err
	}
	defer s.unlock(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[id]
	if !ok {
		return nil, ErrCardNotFound
	}
	if c.Revision != expected {
		return nil, ErrConcurrentModification
	}
	c.Status = status
	c.Revision++
	c.UpdatedAt = time.Now().UTC()

	cp := *c
	return &cp, nil
}

// expireCards locks every candidate in ascending id order, then flips them
// all under one critical section, so no reader sees a partial sweep.
func (s *memStore) expireCards(ctx context.Context, today time.Time) (int64, error) {
	s.mu.Lock()
	var ids []int64
	for id, c := range s.cards {
		if c.Status != models.CardStatusExpired && expiry.IsPast(c.ValidityPeriod, today) {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	locked := make([]int64, 0, len(ids))
	defer func() {
		for _, id := range locked {
			s.unlock(id)
		}
	}()
	for _, id := range ids {
		if err := s.lock(ctx, id); err != nil {
			if err == ErrCardNotFound {
				continue
			}
			return 0, err
		}
		locked = append(locked, id)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	now := time.Now().UTC()
	for _, id := range locked {
		c, ok := s.cards[id]
		if !ok || c.Status == models.CardStatusExpired || !expiry.IsPast(c.ValidityPeriod, today) {
			continue
		}
		c.Status = models.CardStatusExpired
		c.Revision++
		c.UpdatedAt = now
		n++
	}
	return n, nil
}

func (s *memStore) listOperations(cardID int64, page, size int) ([]models.Operation, int) {
	s.mu.Lock()
	var matching []models.Operation
	for _, op := range s.ops {
		if op.FromCardID == cardID || op.ToCardID == cardID {
			matching = append(matching, op)
		}
	}
	s.mu.Unlock()

	sort.Slice(matching, func(i, j int) bool {
		if !matching[i].CreatedAt.Equal(matching[j].CreatedAt) {
			return matching[i].CreatedAt.After(matching[j].CreatedAt)
		}
		return matching[i].ID > matching[j].ID
	})

	total := len(matching)
	if size <= 0 || page < 0 || page > total/size {
		return []models.Operation{}, total
	}
	start := page * size
	if start < 0 || start >= total {
		return []models.Operation{}, total
	}
	end := start + size
	if end > total {
		end = total
	}
	return matching[start:end], total
}

func (s *memStore) withTx(ctx context.Context, fn func(tx *memTx) error) error {
	tx := &memTx{
		store:   s,
		held:    make(map[int64]bool),
		staged:  make(map[int64]models.Card),
		deleted: make(map[int64]bool),
	}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx stages writes and applies them at commit. Nothing staged is visible
// outside the transaction.
type memTx struct {
	store   *memStore
	held    map[int64]bool
	order   []int64
	staged  map[int64]models.Card
	deleted map[int64]bool
	ops     []models.Operation
}

func (tx *memTx) lockForUpdate(ctx context.Context, ids []int64) ([]*models.Card, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	for _, id := range sorted {
		if tx.held[id] {
			continue
		}
		if err := tx.store.lock(ctx, id); err != nil {
			return nil, err
		}
		tx.held[id] = true
		tx.order = append(tx.order, id)
	}

	out := make([]*models.Card, 0, len(ids))
	for _, id := range ids {
		c, err := tx.current(id)
		if err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, nil
}

func (tx *memTx) current(id int64) (models.Card, error) {
	if tx.deleted[id] {
		return models.Card{}, ErrCardNotFound
	}
	if c, ok := tx.staged[id]; ok {
		return c, nil
	}

	tx.store.mu.Lock()
	defer tx.store.mu.Unlock()
	c, ok := tx.store.cards[id]
	if !ok {
		return models.Card{}, ErrCardNotFound
	}
	return *c, nil
}

func (tx *memTx) updateCard(card models.Card, expected int64) error {
	if !tx.held[card.ID] {
		return errRowNotLocked
	}
	cur, err := tx.current(card.ID)
	if err != nil {
		return err
	}
	if cur.Revision != expected {
		return ErrConcurrentModification
	}

	cur.Balance = card.Balance
	cur.Status = card.Status
	cur.Revision = expected + 1
	tx.staged[card.ID] = cur
	return nil
}

func (tx *memTx) deleteCard(id int64) error {
	if !tx.held[id] {
		return errRowNotLocked
	}
	if _, err := tx.current(id); err != nil {
		return err
	}
	delete(tx.staged, id)
	tx.deleted[id] = true
	return nil
}

func (tx *memTx) appendOperation(op *models.Operation) {
	tx.store.mu.Lock()
	tx.store.lastOpID++
	op.ID = tx.store.lastOpID
	tx.store.mu.Unlock()

	tx.ops = append(tx.ops, *op)
}

func (tx *memTx) commit() {
	s := tx.store
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, c := range tx.staged {
		c.UpdatedAt = now
		stored := c
		s.cards[id] = &stored
	}
	for id := range tx.deleted {
		if c, ok := s.cards[id]; ok {
			delete(s.byExternal, c.ExternalID)
		}
		delete(s.byHash, s.hashes[id])
		delete(s.hashes, id)
		delete(s.cards, id)
	}
	s.ops = append(s.ops, tx.ops...)
}

func (tx *memTx) release() {
	for _, id := range tx.order {
		tx.store.unlock(id)
	}
	tx.order = nil
}
