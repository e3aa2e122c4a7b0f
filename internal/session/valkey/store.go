package sessionvalkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"

	"github.com/verimeet/broker/internal/serviceerr"
)

// casScript implements the compare-and-swap commit server-side: the stored
// document is only replaced while its state still equals the caller's
// expectation. Return codes: 0 committed, 1 missing, 2 state conflict.
const casScript = `
local raw = redis.call('GET', KEYS[1])
if not raw then
  return 1
end
local cur = cjson.decode(raw)
if cur.state ~= ARGV[1] then
  return 2
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return 0
`

const (
	casCommitted     = 0
	casMissing       = 1
	casStateConflict = 2
)

type store struct {
	valkey valkey.Client
	cas    *valkey.Lua
	prefix string
}

func newStore(valkeyClient valkey.Client, prefix string) *store {
	prefix = strings.TrimSuffix(prefix, ":")
	return &store{
		valkey: valkeyClient,
		cas:    valkey.NewLuaScript(casScript),
		prefix: prefix,
	}
}

func (s *store) Get(ctx context.Context, objectID string, decodeInto any) error {
	bytes, err := s.valkey.Do(ctx, s.valkey.B().Get().Key(s.key(objectID)).Build()).AsBytes()
	if err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			return errors.Join(valkeyErr, serviceerr.ErrNotFound)
		}

		return fmt.Errorf("executing get command: %w", err)
	}

	if err := json.Unmarshal(bytes, decodeInto); err != nil {
		return fmt.Errorf("decoding session: %w", err)
	}

	return nil
}

// SetNX stores a new document, failing when the key already exists.
func (s *store) SetNX(ctx context.Context, objectID string, val any, ttl time.Duration) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	resp := s.valkey.Do(ctx, s.valkey.B().Set().Key(s.key(objectID)).Value(valkey.BinaryString(bytes)).Nx().Px(ttl).Build())
	if err := resp.Error(); err != nil {
		valkeyErr, ok := valkey.IsValkeyErr(err)
		if ok && valkeyErr.IsNil() {
			// SET NX answers nil when the key was already present.
			return errors.Join(valkeyErr, serviceerr.ErrConflict)
		}

		return fmt.Errorf("executing set command: %w", err)
	}

	return nil
}

// CompareAndSwap replaces the document only while its state field still
// equals expected.
func (s *store) CompareAndSwap(ctx context.Context, objectID, expected string, val any, ttl time.Duration) error {
	bytes, err := json.Marshal(val)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}

	code, err := s.cas.Exec(ctx, s.valkey,
		[]string{s.key(objectID)},
		[]string{expected, string(bytes), strconv.FormatInt(ttl.Milliseconds(), 10)},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("executing cas script: %w", err)
	}

	switch code {
	case casCommitted:
		return nil
	case casMissing:
		return serviceerr.ErrNotFound
	case casStateConflict:
		return serviceerr.ErrConflict
	default:
		return fmt.Errorf("unexpected cas script result: %d", code)
	}
}

func (s *store) Destroy(ctx context.Context, objectID string) error {
	if err := s.valkey.Do(ctx, s.valkey.B().Del().Key(s.key(objectID)).Build()).Error(); err != nil {
		return fmt.Errorf("executing del command: %w", err)
	}

	return nil
}

func (s *store) key(objectID string) string {
	return fmt.Sprintf("%s:session:%s", s.prefix, objectID)
}

func getStoreObjects[T any](ctx context.Context, s *store, decodeInto *[]T) error {
	pattern := s.key("*")
	var cursor uint64
	for {
		scan, err := s.valkey.Do(ctx, s.valkey.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build()).AsScanEntry()
		if err != nil {
			return fmt.Errorf("executing scan command: %w", err)
		}

		cursor = scan.Cursor
		*decodeInto = slices.Grow(*decodeInto, len(scan.Elements))
		for _, key := range scan.Elements {
			var decoded T
			if err := s.Get(ctx, strings.TrimPrefix(key, s.prefix+":session:"), &decoded); err != nil {
				if errors.Is(err, serviceerr.ErrNotFound) {
					// Evicted between SCAN and GET.
					continue
				}

				return fmt.Errorf("getting an element: %w", err)
			}

			*decodeInto = append(*decodeInto, decoded)
		}

		if cursor == 0 {
			return nil
		}
	}
}
