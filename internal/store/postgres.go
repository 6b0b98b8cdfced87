package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/xmartos/scrumpoker/internal/store/model"
)

// Postgres keeps one JSONB document per room. Change fan-out is in-process
// only: every mutation goes through this instance's notifier, which is
// enough for a single-server deployment. Cross-instance fan-out needs the
// Redis backend.
type Postgres struct {
	db       *gorm.DB
	notifier *notifier
}

func NewPostgres(db *gorm.DB) (*Postgres, error) {
	if err := db.AutoMigrate(&model.RoomRecord{}); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return &Postgres{db: db, notifier: newNotifier()}, nil
}

func (p *Postgres) Write(ctx context.Context, path string, value any) error {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return err
	}
	if roomID == "" {
		return fmt.Errorf("%w: cannot overwrite the whole collection", ErrInvalidPath)
	}
	return p.mutateRoom(ctx, roomID, func(doc map[string]any) error {
		normalized, err := normalize(value)
		if err != nil {
			return err
		}
		if len(rest) == 0 {
			clearNode(doc)
			merged, ok := normalized.(map[string]any)
			if !ok {
				return fmt.Errorf("%w: room value must be an object", ErrInvalidPath)
			}
			for k, v := range merged {
				doc[k] = v
			}
			return nil
		}
		setNode(doc, rest, normalized)
		return nil
	})
}

func (p *Postgres) Update(ctx context.Context, path string, fields map[string]any) error {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return err
	}
	if roomID == "" {
		return fmt.Errorf("%w: cannot update the whole collection", ErrInvalidPath)
	}
	return p.mutateRoom(ctx, roomID, func(doc map[string]any) error {
		return applyFields(doc, rest, fields)
	})
}

func (p *Postgres) Remove(ctx context.Context, path string) error {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return err
	}
	if roomID == "" {
		return fmt.Errorf("%w: cannot remove the whole collection", ErrInvalidPath)
	}

	if len(rest) == 0 {
		err := p.db.WithContext(ctx).Delete(&model.RoomRecord{}, "id = ?", roomID).Error
		if err != nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		p.notifier.publish(roomID, nil)
		return nil
	}
	return p.mutateRoom(ctx, roomID, func(doc map[string]any) error {
		removeNode(doc, rest)
		return nil
	})
}

func (p *Postgres) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return nil, err
	}

	if roomID == "" {
		var records []model.RoomRecord
		if err := p.db.WithContext(ctx).Find(&records).Error; err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		if len(records) == 0 {
			return nil, nil
		}
		rooms := make(map[string]json.RawMessage, len(records))
		for _, rec := range records {
			rooms[rec.ID] = rec.Data
		}
		return json.Marshal(rooms)
	}

	raw, err := p.readRoom(ctx, roomID)
	if err != nil || raw == nil || len(rest) == 0 {
		return raw, err
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return nil, err
	}
	return marshalNode(doc, rest)
}

func (p *Postgres) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return nil, err
	}
	if roomID == "" {
		return nil, ErrUnsupportedSubscription
	}

	sub := &memorySub{segs: rest, fn: fn}
	unregister := p.notifier.register(roomID, sub)

	raw, err := p.ReadOnce(context.Background(), path)
	if err != nil {
		unregister()
		return nil, err
	}
	sub.deliver(raw)

	return func() {
		unregister()
		sub.close()
	}, nil
}

func (p *Postgres) readRoom(ctx context.Context, roomID string) (json.RawMessage, error) {
	var rec model.RoomRecord
	err := p.db.WithContext(ctx).First(&rec, "id = ?", roomID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return rec.Data, nil
}

func (p *Postgres) mutateRoom(ctx context.Context, roomID string, mutate func(map[string]any) error) error {
	raw, err := p.readRoom(ctx, roomID)
	if err != nil {
		return err
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return err
	}
	if err := mutate(doc); err != nil {
		return err
	}
	updated, err := json.Marshal(doc)
	if err != nil {
		return err
	}

	rec := model.RoomRecord{ID: roomID, Data: updated}
	err = p.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"data", "updated_at"}),
	}).Create(&rec).Error
	if err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}

	p.notifier.publish(roomID, updated)
	return nil
}

// notifier is the in-process fan-out used by the Postgres backend: room id
// to subscriber set, deliveries made with the registry lock held so each
// subscriber sees mutations in order.
type notifier struct {
	mu     sync.Mutex
	subs   map[string]map[int]*memorySub
	nextID int
}

func newNotifier() *notifier {
	return &notifier{subs: map[string]map[int]*memorySub{}}
}

func (n *notifier) register(roomID string, sub *memorySub) func() {
	n.mu.Lock()
	defer n.mu.Unlock()

	id := n.nextID
	n.nextID++
	if n.subs[roomID] == nil {
		n.subs[roomID] = map[int]*memorySub{}
	}
	n.subs[roomID][id] = sub

	return func() {
		n.mu.Lock()
		defer n.mu.Unlock()
		delete(n.subs[roomID], id)
		if len(n.subs[roomID]) == 0 {
			delete(n.subs, roomID)
		}
	}
}

func (n *notifier) publish(roomID string, doc json.RawMessage) {
	n.mu.Lock()
	defer n.mu.Unlock()

	for _, sub := range n.subs[roomID] {
		value := doc
		if value != nil && len(sub.segs) > 0 {
			tree, err := decodeDoc(doc)
			if err != nil {
				continue
			}
			value, err = marshalNode(tree, sub.segs)
			if err != nil {
				continue
			}
		}
		sub.deliver(value)
	}
}
