package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/xmartos/scrumpoker/lib/logger/sl"
)

const (
	redisKeyPrefix     = "scrumpoker:rooms:"
	redisChannelPrefix = "scrumpoker:updates:"
	rootCollection     = "rooms"
)

// Redis keeps one JSON document per room under scrumpoker:rooms:{id} and
// publishes the full document on scrumpoker:updates:{id} after every
// mutation, so fan-out reaches subscribers on other instances too.
// Mutations below room granularity are read-modify-write on the document;
// last write wins, which is the consistency the room protocol asks for.
type Redis struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedis(client *redis.Client, log *slog.Logger) *Redis {
	if log == nil {
		log = slog.Default()
	}
	return &Redis{client: client, log: log}
}

// splitRoomPath validates that path addresses the rooms collection and
// returns the room id ("" for the collection itself) plus the remainder
// inside the room document.
func splitRoomPath(path string) (string, []string, error) {
	segs, err := splitPath(path)
	if err != nil {
		return "", nil, err
	}
	if segs[0] != rootCollection {
		return "", nil, fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	if len(segs) == 1 {
		return "", nil, nil
	}
	return segs[1], segs[2:], nil
}

func (r *Redis) Write(ctx context.Context, path string, value any) error {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return err
	}
	if roomID == "" {
		return fmt.Errorf("%w: cannot overwrite the whole collection", ErrInvalidPath)
	}
	return r.mutateRoom(ctx, roomID, func(doc map[string]any) error {
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

func (r *Redis) Update(ctx context.Context, path string, fields map[string]any) error {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return err
	}
	if roomID == "" {
		return fmt.Errorf("%w: cannot update the whole collection", ErrInvalidPath)
	}
	return r.mutateRoom(ctx, roomID, func(doc map[string]any) error {
		return applyFields(doc, rest, fields)
	})
}

func (r *Redis) Remove(ctx context.Context, path string) error {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return err
	}
	if roomID == "" {
		return fmt.Errorf("%w: cannot remove the whole collection", ErrInvalidPath)
	}

	if len(rest) == 0 {
		if err := r.client.Del(ctx, redisKeyPrefix+roomID).Err(); err != nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		if err := r.client.Publish(ctx, redisChannelPrefix+roomID, "null").Err(); err != nil {
			return fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		return nil
	}
	return r.mutateRoom(ctx, roomID, func(doc map[string]any) error {
		removeNode(doc, rest)
		return nil
	})
}

func (r *Redis) ReadOnce(ctx context.Context, path string) (json.RawMessage, error) {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return nil, err
	}

	if roomID == "" {
		return r.readAllRooms(ctx)
	}

	raw, err := r.readRoom(ctx, roomID)
	if err != nil || raw == nil || len(rest) == 0 {
		return raw, err
	}
	doc, err := decodeDoc(raw)
	if err != nil {
		return nil, err
	}
	return marshalNode(doc, rest)
}

func (r *Redis) Subscribe(path string, fn func(json.RawMessage)) (func(), error) {
	roomID, rest, err := splitRoomPath(path)
	if err != nil {
		return nil, err
	}
	if roomID == "" {
		// The sweep reads the collection once; nothing subscribes to it.
		return nil, ErrUnsupportedSubscription
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := r.client.Subscribe(ctx, redisChannelPrefix+roomID)

	sub := &memorySub{segs: rest, fn: fn}

	// Initial delivery before the change loop starts.
	raw, err := r.ReadOnce(ctx, path)
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, err
	}
	sub.deliver(raw)

	go func() {
		for msg := range pubsub.Channel() {
			value := json.RawMessage(msg.Payload)
			if string(value) == "null" {
				sub.deliver(nil)
				continue
			}
			if len(rest) > 0 {
				doc, err := decodeDoc(value)
				if err != nil {
					r.log.Error("dropping malformed room document", sl.Err(err))
					continue
				}
				value, err = marshalNode(doc, rest)
				if err != nil {
					r.log.Error("dropping malformed room document", sl.Err(err))
					continue
				}
			}
			sub.deliver(value)
		}
	}()

	return func() {
		sub.close()
		cancel()
		_ = pubsub.Close()
	}, nil
}

func (r *Redis) readRoom(ctx context.Context, roomID string) (json.RawMessage, error) {
	raw, err := r.client.Get(ctx, redisKeyPrefix+roomID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return raw, nil
}

func (r *Redis) readAllRooms(ctx context.Context) (json.RawMessage, error) {
	rooms := map[string]json.RawMessage{}

	iter := r.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.client.Get(ctx, key).Bytes()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
		}
		rooms[strings.TrimPrefix(key, redisKeyPrefix)] = raw
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if len(rooms) == 0 {
		return nil, nil
	}
	return json.Marshal(rooms)
}

func (r *Redis) mutateRoom(ctx context.Context, roomID string, mutate func(map[string]any) error) error {
	raw, err := r.readRoom(ctx, roomID)
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
	if err := r.client.Set(ctx, redisKeyPrefix+roomID, updated, 0).Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	if err := r.client.Publish(ctx, redisChannelPrefix+roomID, updated).Err(); err != nil {
		return fmt.Errorf("%w: %s", ErrUnavailable, err)
	}
	return nil
}

func clearNode(doc map[string]any) {
	for k := range doc {
		delete(doc, k)
	}
}
