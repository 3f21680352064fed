package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"hoot-game-service/internal/domain"
)

// SessionStore keeps sessions in Redis so any number of service instances can
// serve the same session. Conditional writes WATCH the session's version key
// and commit in MULTI/EXEC; a concurrent phase change aborts the transaction
// and surfaces as domain.ErrStaleState.
//
// Layout (all keys expire after ttl):
//
//	hoot:session:{id}               hash: record, answers_submitted, player_count, claim_receipt
//	hoot:session:{id}:version       version counter, the CAS token
//	hoot:session:{id}:seq           join sequence
//	hoot:session:{id}:participants  zset of participant ids scored by join seq
//	hoot:session:{id}:keys          set of the participant, token, pin and ledger keys below
//	hoot:participant:{id}           hash: record, score
//	hoot:participant:{id}:answers   hash: question index -> answer
//	hoot:token:{token}              identity
//	hoot:pin:{pin}                  session id, while the session is active
//	hoot:ledger:{address}           set of participant ids that bound the address
//
// Every write renews the expiry of all keys the session owns, so a session
// that is still being played never loses its players, tokens or pin.
type SessionStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewSessionStore(client *redis.Client, ttl time.Duration) *SessionStore {
	return &SessionStore{client: client, ttl: ttl}
}

const (
	fieldRecord  = "record"
	fieldAnswers = "answers_submitted"
	fieldPlayers = "player_count"
	fieldReceipt = "claim_receipt"
	fieldScore   = "score"
)

type sessionRecord struct {
	domain.Session
	HostToken string `json:"hostToken"`
}

type participantRecord struct {
	domain.Participant
	ReconnectToken string `json:"reconnectToken"`
}

func (s *SessionStore) CreateSession(ctx context.Context, session domain.Session) error {
	ok, err := s.client.SetNX(ctx, pinKey(session.PIN), session.ID, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("reserve pin: %w", err)
	}
	if !ok {
		return domain.ErrPinInUse
	}

	record, err := json.Marshal(sessionRecord{Session: session, HostToken: session.HostToken})
	if err != nil {
		return err
	}
	identity, err := json.Marshal(domain.Identity{Kind: domain.IdentityHost, SessionID: session.ID})
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		key := sessionKey(session.ID)
		pipe.HSet(ctx, key, fieldRecord, record, fieldAnswers, session.AnswersSubmitted, fieldPlayers, session.PlayerCount)
		pipe.Set(ctx, versionKey(session.ID), session.Version, s.ttl)
		pipe.Set(ctx, tokenKey(session.HostToken), identity, s.ttl)
		pipe.SAdd(ctx, ownedKey(session.ID), tokenKey(session.HostToken), pinKey(session.PIN))
		s.renew(ctx, pipe, session.ID, nil)
		return nil
	})
	if err != nil {
		_ = s.client.Del(ctx, pinKey(session.PIN)).Err()
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("get session: %w", err)
	}
	return decodeSession(fields)
}

func (s *SessionStore) GetSessionByPIN(ctx context.Context, pin string) (domain.Session, error) {
	id, err := s.client.Get(ctx, pinKey(pin)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("resolve pin: %w", err)
	}
	return s.GetSession(ctx, id)
}

func (s *SessionStore) UpdatePhase(ctx context.Context, expectedVersion int64, next domain.Session) (domain.Session, error) {
	var committed domain.Session
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := s.current(ctx, tx, next.ID, expectedVersion)
		if err != nil {
			return err
		}
		committed = stored.CommitPhase(next)
		record, err := json.Marshal(sessionRecord{Session: committed, HostToken: committed.HostToken})
		if err != nil {
			return err
		}
		owned, err := s.owned(ctx, tx, committed.ID)
		if err != nil {
			return err
		}
		finished := committed.Phase == domain.PhaseFinished
		if finished {
			owned = without(owned, pinKey(committed.PIN))
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			key := sessionKey(committed.ID)
			pipe.HSet(ctx, key, fieldRecord, record)
			if committed.Phase == domain.PhaseQuestion {
				pipe.HSet(ctx, key, fieldAnswers, 0)
			}
			pipe.Set(ctx, versionKey(committed.ID), committed.Version, s.ttl)
			if finished {
				pipe.Del(ctx, pinKey(committed.PIN))
				pipe.SRem(ctx, ownedKey(committed.ID), pinKey(committed.PIN))
			}
			s.renew(ctx, pipe, committed.ID, owned)
			return nil
		})
		return err
	}, versionKey(next.ID))
	if err != nil {
		return domain.Session{}, txErr(err)
	}
	return committed, nil
}

func (s *SessionStore) AddParticipant(ctx context.Context, expectedVersion int64, participant domain.Participant) (domain.Participant, domain.Session, error) {
	sessionID := participant.SessionID
	seq, err := s.client.Incr(ctx, seqKey(sessionID)).Result()
	if err != nil {
		return domain.Participant{}, domain.Session{}, fmt.Errorf("next join seq: %w", err)
	}
	participant.Seq = seq
	participant.Score = 0
	participant.Answers = nil

	record, err := json.Marshal(participantRecord{Participant: participant, ReconnectToken: participant.ReconnectToken})
	if err != nil {
		return domain.Participant{}, domain.Session{}, err
	}
	identity, err := json.Marshal(domain.Identity{
		Kind:          domain.IdentityParticipant,
		SessionID:     sessionID,
		ParticipantID: participant.ID,
	})
	if err != nil {
		return domain.Participant{}, domain.Session{}, err
	}

	var session domain.Session
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.current(ctx, tx, sessionID, expectedVersion)
		if err != nil {
			return err
		}
		owned, err := s.owned(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		keys := participantKeys(participant)
		var players *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, participantKey(participant.ID), fieldRecord, record, fieldScore, 0)
			pipe.ZAdd(ctx, membersKey(sessionID), redis.Z{Score: float64(seq), Member: participant.ID})
			pipe.Set(ctx, tokenKey(participant.ReconnectToken), identity, s.ttl)
			if participant.LedgerAddress != "" {
				pipe.SAdd(ctx, ledgerKey(participant.LedgerAddress), participant.ID)
			}
			pipe.SAdd(ctx, ownedKey(sessionID), toAny(keys)...)
			players = pipe.HIncrBy(ctx, sessionKey(sessionID), fieldPlayers, 1)
			s.renew(ctx, pipe, sessionID, append(owned, keys...))
			return nil
		})
		if err != nil {
			return err
		}
		session = current
		session.PlayerCount = int(players.Val())
		return nil
	}, versionKey(sessionID))
	if err != nil {
		return domain.Participant{}, domain.Session{}, txErr(err)
	}
	return participant, session, nil
}

func (s *SessionStore) RemoveParticipant(ctx context.Context, expectedVersion int64, participant domain.Participant) (domain.Session, error) {
	sessionID := participant.SessionID
	var session domain.Session
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.current(ctx, tx, sessionID, expectedVersion)
		if err != nil {
			return err
		}
		if err := tx.ZScore(ctx, membersKey(sessionID), participant.ID).Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrParticipantNotFound
			}
			return err
		}
		var players *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, participantKey(participant.ID), answersKey(participant.ID), tokenKey(participant.ReconnectToken))
			pipe.ZRem(ctx, membersKey(sessionID), participant.ID)
			pipe.SRem(ctx, ownedKey(sessionID), participantKey(participant.ID), answersKey(participant.ID), tokenKey(participant.ReconnectToken))
			if participant.LedgerAddress != "" {
				pipe.SRem(ctx, ledgerKey(participant.LedgerAddress), participant.ID)
			}
			players = pipe.HIncrBy(ctx, sessionKey(sessionID), fieldPlayers, -1)
			return nil
		})
		if err != nil {
			return err
		}
		session = current
		session.PlayerCount = int(players.Val())
		return nil
	}, versionKey(sessionID))
	if err != nil {
		return domain.Session{}, txErr(err)
	}
	return session, nil
}

func (s *SessionStore) GetParticipant(ctx context.Context, participantID string) (domain.Participant, error) {
	participants, err := s.loadParticipants(ctx, []string{participantID})
	if err != nil {
		return domain.Participant{}, err
	}
	if len(participants) == 0 {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	return participants[0], nil
}

func (s *SessionStore) ListParticipants(ctx context.Context, sessionID string) ([]domain.Participant, error) {
	n, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("check session: %w", err)
	}
	if n == 0 {
		return nil, domain.ErrSessionNotFound
	}
	ids, err := s.client.ZRange(ctx, membersKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	return s.loadParticipants(ctx, ids)
}

func (s *SessionStore) ListParticipantsByLedgerAddress(ctx context.Context, ledgerAddress string) ([]domain.Participant, error) {
	if ledgerAddress == "" {
		return []domain.Participant{}, nil
	}
	ids, err := s.client.SMembers(ctx, ledgerKey(ledgerAddress)).Result()
	if err != nil {
		return nil, fmt.Errorf("list ledger participants: %w", err)
	}
	loaded, err := s.loadParticipants(ctx, ids)
	if err != nil {
		return nil, err
	}
	out := loaded[:0]
	for _, p := range loaded {
		if p.LedgerAddress == ledgerAddress {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *SessionStore) RecordAnswer(ctx context.Context, sessionID string, expectedVersion int64, participantID string, answer domain.Answer) (domain.Participant, domain.Session, error) {
	raw, err := json.Marshal(answer)
	if err != nil {
		return domain.Participant{}, domain.Session{}, err
	}
	field := strconv.Itoa(answer.QuestionIndex)

	var session domain.Session
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := s.current(ctx, tx, sessionID, expectedVersion)
		if err != nil {
			return err
		}
		if err := tx.ZScore(ctx, membersKey(sessionID), participantID).Err(); err != nil {
			if errors.Is(err, redis.Nil) {
				return domain.ErrParticipantNotFound
			}
			return err
		}
		dup, err := tx.HExists(ctx, answersKey(participantID), field).Result()
		if err != nil {
			return err
		}
		if dup {
			return domain.ErrDuplicateAnswer
		}
		owned, err := s.owned(ctx, tx, sessionID)
		if err != nil {
			return err
		}

		var count *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, answersKey(participantID), field, raw)
			pipe.HIncrBy(ctx, participantKey(participantID), fieldScore, answer.PointsAwarded)
			count = pipe.HIncrBy(ctx, sessionKey(sessionID), fieldAnswers, 1)
			s.renew(ctx, pipe, sessionID, append(owned, answersKey(participantID)))
			return nil
		})
		if err != nil {
			return err
		}
		session = current
		session.AnswersSubmitted = int(count.Val())
		return nil
	}, versionKey(sessionID), answersKey(participantID))
	if err != nil {
		return domain.Participant{}, domain.Session{}, txErr(err)
	}

	participant, err := s.GetParticipant(ctx, participantID)
	if err != nil {
		return domain.Participant{}, domain.Session{}, err
	}
	return participant, session, nil
}

func (s *SessionStore) ResolveToken(ctx context.Context, token string) (domain.Identity, error) {
	raw, err := s.client.Get(ctx, tokenKey(token)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.Identity{}, domain.ErrReconnectTokenInvalid
	}
	if err != nil {
		return domain.Identity{}, fmt.Errorf("resolve token: %w", err)
	}
	var identity domain.Identity
	if err := json.Unmarshal(raw, &identity); err != nil {
		return domain.Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	return identity, nil
}

func (s *SessionStore) MarkRewardClaimed(ctx context.Context, sessionID, receipt string) (domain.Session, error) {
	n, err := s.client.Exists(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("check session: %w", err)
	}
	if n == 0 {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	set, err := s.client.HSetNX(ctx, sessionKey(sessionID), fieldReceipt, receipt).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("mark reward claimed: %w", err)
	}
	if !set {
		return domain.Session{}, domain.ErrRewardAlreadyClaimed
	}
	return s.GetSession(ctx, sessionID)
}

func (s *SessionStore) SettleRewardClaim(ctx context.Context, sessionID, provisional, receipt string) (domain.Session, error) {
	key := sessionKey(sessionID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		fields, err := tx.HMGet(ctx, key, fieldRecord, fieldReceipt).Result()
		if err != nil {
			return fmt.Errorf("read claim: %w", err)
		}
		if fields[0] == nil {
			return domain.ErrSessionNotFound
		}
		if stored, _ := fields[1].(string); stored != provisional {
			return domain.ErrRewardAlreadyClaimed
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if receipt == "" {
				pipe.HDel(ctx, key, fieldReceipt)
			} else {
				pipe.HSet(ctx, key, fieldReceipt, receipt)
			}
			return nil
		})
		return err
	}, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.Session{}, domain.ErrRewardAlreadyClaimed
	}
	if err != nil {
		return domain.Session{}, err
	}
	return s.GetSession(ctx, sessionID)
}

// current reads the session inside a WATCH and checks the expected version.
func (s *SessionStore) current(ctx context.Context, tx *redis.Tx, sessionID string, expectedVersion int64) (domain.Session, error) {
	version, err := tx.Get(ctx, versionKey(sessionID)).Int64()
	if errors.Is(err, redis.Nil) {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("read version: %w", err)
	}
	if version != expectedVersion {
		return domain.Session{}, domain.ErrStaleState
	}
	fields, err := tx.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err != nil {
		return domain.Session{}, fmt.Errorf("read session: %w", err)
	}
	return decodeSession(fields)
}

func (s *SessionStore) loadParticipants(ctx context.Context, ids []string) ([]domain.Participant, error) {
	if len(ids) == 0 {
		return []domain.Participant{}, nil
	}
	pipe := s.client.Pipeline()
	records := make([]*redis.MapStringStringCmd, len(ids))
	answers := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		records[i] = pipe.HGetAll(ctx, participantKey(id))
		answers[i] = pipe.HGetAll(ctx, answersKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("load participants: %w", err)
	}

	out := make([]domain.Participant, 0, len(ids))
	for i := range ids {
		fields := records[i].Val()
		raw, ok := fields[fieldRecord]
		if !ok {
			continue
		}
		var rec participantRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("decode participant: %w", err)
		}
		p := rec.Participant
		p.ReconnectToken = rec.ReconnectToken
		p.Score, _ = strconv.ParseInt(fields[fieldScore], 10, 64)
		p.Answers = nil
		for _, rawAnswer := range answers[i].Val() {
			var a domain.Answer
			if err := json.Unmarshal([]byte(rawAnswer), &a); err != nil {
				return nil, fmt.Errorf("decode answer: %w", err)
			}
			p.Answers = append(p.Answers, a)
		}
		domain.SortAnswers(p.Answers)
		out = append(out, p)
	}
	return out, nil
}

// owned lists the participant, token, pin and ledger keys tied to the session.
func (s *SessionStore) owned(ctx context.Context, tx *redis.Tx, sessionID string) ([]string, error) {
	keys, err := tx.SMembers(ctx, ownedKey(sessionID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read session keys: %w", err)
	}
	return keys, nil
}

// renew queues an expiry refresh for the session's own keys plus owned.
func (s *SessionStore) renew(ctx context.Context, pipe redis.Pipeliner, sessionID string, owned []string) {
	keys := []string{sessionKey(sessionID), versionKey(sessionID), seqKey(sessionID), membersKey(sessionID), ownedKey(sessionID)}
	s.expire(ctx, pipe, append(keys, owned...)...)
}

func (s *SessionStore) expire(ctx context.Context, pipe redis.Pipeliner, keys ...string) {
	if s.ttl <= 0 {
		return
	}
	for _, key := range keys {
		pipe.Expire(ctx, key, s.ttl)
	}
}

func decodeSession(fields map[string]string) (domain.Session, error) {
	raw, ok := fields[fieldRecord]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	var rec sessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return domain.Session{}, fmt.Errorf("decode session: %w", err)
	}
	session := rec.Session
	session.HostToken = rec.HostToken
	session.AnswersSubmitted, _ = strconv.Atoi(fields[fieldAnswers])
	session.PlayerCount, _ = strconv.Atoi(fields[fieldPlayers])
	if receipt := fields[fieldReceipt]; receipt != "" {
		session.RewardClaimed = true
		session.ClaimReceipt = receipt
	}
	return session, nil
}

func participantKeys(p domain.Participant) []string {
	keys := []string{participantKey(p.ID), answersKey(p.ID), tokenKey(p.ReconnectToken)}
	if p.LedgerAddress != "" {
		keys = append(keys, ledgerKey(p.LedgerAddress))
	}
	return keys
}

func without(keys []string, drop string) []string {
	out := keys[:0]
	for _, k := range keys {
		if k != drop {
			out = append(out, k)
		}
	}
	return out
}

func toAny(keys []string) []any {
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

func txErr(err error) error {
	if errors.Is(err, redis.TxFailedErr) {
		return domain.ErrStaleState
	}
	return err
}

func sessionKey(id string) string     { return "hoot:session:" + id }
func versionKey(id string) string     { return sessionKey(id) + ":version" }
func seqKey(id string) string         { return sessionKey(id) + ":seq" }
func membersKey(id string) string     { return sessionKey(id) + ":participants" }
func ownedKey(id string) string       { return sessionKey(id) + ":keys" }
func participantKey(id string) string { return "hoot:participant:" + id }
func answersKey(id string) string     { return participantKey(id) + ":answers" }
func tokenKey(token string) string    { return "hoot:token:" + token }
func pinKey(pin string) string        { return "hoot:pin:" + pin }
func ledgerKey(addr string) string    { return "hoot:ledger:" + addr }
