package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

var (
	ErrNotFound = errors.New("ledger: not found")
	ErrStorage  = errors.New("ledger: storage failure")
)

// Store is the append-only message/reply log on a single long-lived pebble
// handle. Key layout:
//
//	meta:seq:msg                    id counter
//	meta:seq:reply                  id counter
//	msg:<id %020d>                  message JSON
//	user:<esc user_id>:msg:<id %020d>   per-user history index
//	unreplied:<id %020d>            zero-replies backlog index
//	reply:<msg %020d>:<id %020d>    reply JSON, grouped under its message
//
// Ids are store-assigned, monotonic and never reused; padded-decimal keys make
// id order and key order coincide, so prefix iteration yields insertion order.
// User ids are query-escaped before embedding, so a ":" inside an id stays
// within its own key segment.
type Store struct {
	mu     sync.Mutex
	db     *pebble.DB
	msgSeq uint64
	rplSeq uint64
	lastTS time.Time
	log    *slog.Logger
	now    func() time.Time
}

type StoreOptions struct {
	Logger *slog.Logger
	Now    func() time.Time
}

func Open(dir string, opts StoreOptions) (*Store, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrStorage, dir, err)
	}
	s := &Store{db: db, log: opts.Logger, now: opts.Now}
	if s.msgSeq, err = s.readSeq(seqMsgKey); err != nil {
		_ = db.Close()
		return nil, err
	}
	if s.rplSeq, err = s.readSeq(seqReplyKey); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.log.Info("ledger_opened", "dir", dir, "msg_seq", s.msgSeq, "reply_seq", s.rplSeq)
	return s, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	if err != nil {
		return fmt.Errorf("%w: close: %v", ErrStorage, err)
	}
	return nil
}

// RecordInbound appends a new unreplied message and returns it with its
// assigned id.
func (s *Store) RecordInbound(userID, chatID string, kind Kind, content string) (Message, error) {
	return s.RecordInboundMedia(userID, chatID, kind, content, "")
}

// RecordInboundMedia is RecordInbound for messages carrying a media
// reference alongside (or instead of) text content.
func (s *Store) RecordInboundMedia(userID, chatID string, kind Kind, content, fileRef string) (Message, error) {
	userID = trimmed(userID)
	if userID == "" {
		return Message{}, fmt.Errorf("user id is required")
	}
	chatID = trimmed(chatID)
	if chatID == "" {
		chatID = userID
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Message{}, fmt.Errorf("%w: store is closed", ErrStorage)
	}

	msg := Message{
		ID:        s.msgSeq + 1,
		UserID:    userID,
		ChatID:    chatID,
		Kind:      normalizeKind(kind),
		Content:   content,
		FileRef:   trimmed(fileRef),
		CreatedAt: s.tickLocked(),
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return Message{}, fmt.Errorf("%w: encode message: %v", ErrStorage, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(msgKey(msg.ID), data, nil)
	_ = batch.Set(userMsgKey(msg.UserID, msg.ID), nil, nil)
	_ = batch.Set(unrepliedKey(msg.ID), nil, nil)
	_ = batch.Set(seqMsgKey, seqValue(msg.ID), nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		return Message{}, fmt.Errorf("%w: commit message: %v", ErrStorage, err)
	}
	s.msgSeq = msg.ID
	s.log.Info("message_recorded", "msg_id", msg.ID, "user_id", msg.UserID, "kind", string(msg.Kind))
	return msg, nil
}

// RecordReply appends a reply under messageID. The reply write, the parent's
// replied flip and the backlog-index removal commit as one batch, so a message
// is out of Unreplied exactly when it has at least one reply.
func (s *Store) RecordReply(messageID uint64, adminID string, kind Kind, content, fileRef string) (Reply, error) {
	adminID = trimmed(adminID)
	if adminID == "" {
		return Reply{}, fmt.Errorf("admin id is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Reply{}, fmt.Errorf("%w: store is closed", ErrStorage)
	}

	msg, err := s.getMessageLocked(messageID)
	if err != nil {
		return Reply{}, err
	}

	reply := Reply{
		ID:        s.rplSeq + 1,
		MessageID: messageID,
		AdminID:   adminID,
		Kind:      normalizeKind(kind),
		Content:   content,
		FileRef:   trimmed(fileRef),
		CreatedAt: s.tickLocked(),
	}
	replyData, err := json.Marshal(reply)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: encode reply: %v", ErrStorage, err)
	}

	msg.Replied = true
	msg.LastReplyID = reply.ID
	msgData, err := json.Marshal(msg)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: encode message: %v", ErrStorage, err)
	}

	batch := s.db.NewBatch()
	defer batch.Close()
	_ = batch.Set(replyKey(messageID, reply.ID), replyData, nil)
	_ = batch.Set(msgKey(messageID), msgData, nil)
	_ = batch.Delete(unrepliedKey(messageID), nil)
	_ = batch.Set(seqReplyKey, seqValue(reply.ID), nil)
	if err := batch.Commit(pebble.Sync); err != nil {
		return Reply{}, fmt.Errorf("%w: commit reply: %v", ErrStorage, err)
	}
	s.rplSeq = reply.ID
	s.log.Info("reply_recorded", "reply_id", reply.ID, "msg_id", messageID, "admin_id", adminID)
	return reply, nil
}

// MarkReplyRead flags a reply as acknowledged on the operator side.
func (s *Store) MarkReplyRead(messageID, replyID uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("%w: store is closed", ErrStorage)
	}

	key := replyKey(messageID, replyID)
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("%w: get reply: %v", ErrStorage, err)
	}
	var reply Reply
	decodeErr := json.Unmarshal(value, &reply)
	_ = closer.Close()
	if decodeErr != nil {
		return fmt.Errorf("%w: decode reply: %v", ErrStorage, decodeErr)
	}
	if reply.Read {
		return nil
	}
	reply.Read = true
	data, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("%w: encode reply: %v", ErrStorage, err)
	}
	if err := s.db.Set(key, data, pebble.Sync); err != nil {
		return fmt.Errorf("%w: set reply: %v", ErrStorage, err)
	}
	return nil
}

func (s *Store) GetMessage(messageID uint64) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Message{}, fmt.Errorf("%w: store is closed", ErrStorage)
	}
	return s.getMessageLocked(messageID)
}

// History returns the user's messages newest-first, bounded by limit.
// Equal-timestamp ties resolve by insertion order because ids are assigned in
// insertion order and the reverse iteration walks ids descending.
func (s *Store) History(userID string, limit int) ([]Message, error) {
	userID = trimmed(userID)
	if limit <= 0 {
		limit = 50
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("%w: store is closed", ErrStorage)
	}

	prefix := []byte("user:" + escapeID(userID) + ":msg:")
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}
	defer iter.Close()

	out := make([]Message, 0, limit)
	for ok := iter.Last(); ok && len(out) < limit; ok = iter.Prev() {
		id, err := idFromKeySuffix(iter.Key(), prefix)
		if err != nil {
			return nil, err
		}
		msg, err := s.getMessageLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}
	return out, nil
}

// Unreplied returns the operational backlog: messages with zero replies,
// oldest first.
func (s *Store) Unreplied() ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("%w: store is closed", ErrStorage)
	}

	prefix := []byte("unreplied:")
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}
	defer iter.Close()

	var out []Message
	for ok := iter.First(); ok; ok = iter.Next() {
		id, err := idFromKeySuffix(iter.Key(), prefix)
		if err != nil {
			return nil, err
		}
		msg, err := s.getMessageLocked(id)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}
	return out, nil
}

// Thread returns a message and its replies oldest-first.
func (s *Store) Thread(messageID uint64) (Message, []Reply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Message{}, nil, fmt.Errorf("%w: store is closed", ErrStorage)
	}

	msg, err := s.getMessageLocked(messageID)
	if err != nil {
		return Message{}, nil, err
	}

	prefix := []byte(fmt.Sprintf("reply:%020d:", messageID))
	iter, err := s.db.NewIter(prefixBounds(prefix))
	if err != nil {
		return Message{}, nil, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}
	defer iter.Close()

	var replies []Reply
	for ok := iter.First(); ok; ok = iter.Next() {
		var reply Reply
		if err := json.Unmarshal(iter.Value(), &reply); err != nil {
			return Message{}, nil, fmt.Errorf("%w: decode reply: %v", ErrStorage, err)
		}
		replies = append(replies, reply)
	}
	if err := iter.Error(); err != nil {
		return Message{}, nil, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}
	return msg, replies, nil
}

func (s *Store) Stats() (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Stats{}, fmt.Errorf("%w: store is closed", ErrStorage)
	}

	st := Stats{}
	users := map[string]bool{}

	msgPrefix := []byte("msg:")
	iter, err := s.db.NewIter(prefixBounds(msgPrefix))
	if err != nil {
		return Stats{}, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}
	for ok := iter.First(); ok; ok = iter.Next() {
		var msg Message
		if err := json.Unmarshal(iter.Value(), &msg); err != nil {
			_ = iter.Close()
			return Stats{}, fmt.Errorf("%w: decode message: %v", ErrStorage, err)
		}
		st.TotalMessages++
		users[msg.UserID] = true
		if !msg.Replied {
			st.UnrepliedCount++
		}
	}
	if err := iter.Error(); err != nil {
		_ = iter.Close()
		return Stats{}, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}
	_ = iter.Close()

	replyPrefix := []byte("reply:")
	iter, err = s.db.NewIter(prefixBounds(replyPrefix))
	if err != nil {
		return Stats{}, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}
	defer iter.Close()
	for ok := iter.First(); ok; ok = iter.Next() {
		st.TotalReplies++
	}
	if err := iter.Error(); err != nil {
		return Stats{}, fmt.Errorf("%w: iter: %v", ErrStorage, err)
	}

	st.TotalUsers = len(users)
	return st, nil
}

func (s *Store) getMessageLocked(messageID uint64) (Message, error) {
	value, closer, err := s.db.Get(msgKey(messageID))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("%w: get message: %v", ErrStorage, err)
	}
	var msg Message
	decodeErr := json.Unmarshal(value, &msg)
	_ = closer.Close()
	if decodeErr != nil {
		return Message{}, fmt.Errorf("%w: decode message: %v", ErrStorage, decodeErr)
	}
	return msg, nil
}

// tickLocked captures a wall-clock timestamp clamped monotonically
// non-decreasing across records.
func (s *Store) tickLocked() time.Time {
	ts := s.now().UTC()
	if ts.Before(s.lastTS) {
		ts = s.lastTS
	}
	s.lastTS = ts
	return ts
}

func (s *Store) readSeq(key []byte) (uint64, error) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: get %s: %v", ErrStorage, key, err)
	}
	defer closer.Close()
	seq, parseErr := strconv.ParseUint(string(bytes.TrimSpace(value)), 10, 64)
	if parseErr != nil {
		return 0, fmt.Errorf("%w: corrupt counter %s: %v", ErrStorage, key, parseErr)
	}
	return seq, nil
}

var (
	seqMsgKey   = []byte("meta:seq:msg")
	seqReplyKey = []byte("meta:seq:reply")
)

func seqValue(id uint64) []byte {
	return []byte(strconv.FormatUint(id, 10))
}

func msgKey(id uint64) []byte {
	return []byte(fmt.Sprintf("msg:%020d", id))
}

// escapeID makes an opaque id safe to embed in a key: the escaped form never
// contains the ":" segment separator or a raw 0xff byte, so one user's id can
// neither cross into another user's key range nor break prefixBounds.
func escapeID(id string) string {
	return url.QueryEscape(id)
}

func userMsgKey(userID string, id uint64) []byte {
	return []byte(fmt.Sprintf("user:%s:msg:%020d", escapeID(userID), id))
}

func unrepliedKey(id uint64) []byte {
	return []byte(fmt.Sprintf("unreplied:%020d", id))
}

func replyKey(messageID, replyID uint64) []byte {
	return []byte(fmt.Sprintf("reply:%020d:%020d", messageID, replyID))
}

func idFromKeySuffix(key, prefix []byte) (uint64, error) {
	suffix := bytes.TrimPrefix(key, prefix)
	id, err := strconv.ParseUint(string(suffix), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: corrupt index key %q: %v", ErrStorage, key, err)
	}
	return id, nil
}

func prefixBounds(prefix []byte) *pebble.IterOptions {
	upper := append(append([]byte(nil), prefix...), 0xff)
	return &pebble.IterOptions{LowerBound: prefix, UpperBound: upper}
}
