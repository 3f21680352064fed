package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"hoot-game-service/internal/domain"
)

func newTestStore(t *testing.T) (*SessionStore, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return NewSessionStore(newClient(mr), time.Hour), mr
}

func lobbySession(id, pin string) domain.Session {
	return domain.Session{
		ID:            id,
		PIN:           pin,
		QuizSetID:     "quiz-1",
		HostToken:     "host-" + id,
		Phase:         domain.PhaseLobby,
		QuestionIndex: domain.NoQuestion,
		QuestionCount: 1,
		Version:       1,
		CreatedAt:     time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC),
	}
}

func TestSessionStoreCreateAndRead(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)

	session := lobbySession("s1", "123456")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.CreateSession(ctx, lobbySession("s2", "123456")); !errors.Is(err, domain.ErrPinInUse) {
		t.Fatalf("expected ErrPinInUse, got %v", err)
	}
	if !mr.Exists("hoot:session:s1") || !mr.Exists("hoot:session:s1:version") {
		t.Fatalf("expected session keys")
	}
	if ttl := mr.TTL("hoot:session:s1"); ttl <= 0 {
		t.Fatalf("expected session key to expire, ttl=%v", ttl)
	}

	got, err := store.GetSessionByPIN(ctx, "123456")
	if err != nil {
		t.Fatalf("get by pin: %v", err)
	}
	if got.ID != "s1" || got.HostToken != "host-s1" || got.Phase != domain.PhaseLobby || got.QuestionIndex != domain.NoQuestion {
		t.Fatalf("unexpected session %+v", got)
	}

	identity, err := store.ResolveToken(ctx, "host-s1")
	if err != nil || identity.Kind != domain.IdentityHost {
		t.Fatalf("resolve host token: %v %+v", err, identity)
	}
	if _, err := store.ResolveToken(ctx, "nope"); !errors.Is(err, domain.ErrReconnectTokenInvalid) {
		t.Fatalf("expected ErrReconnectTokenInvalid, got %v", err)
	}
	if _, err := store.GetSession(ctx, "missing"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestSessionStoreParticipantsAndAnswers(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	session := lobbySession("s1", "123456")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	alice, s, err := store.AddParticipant(ctx, 1, domain.Participant{ID: "p1", SessionID: "s1", DisplayName: "Alice", LedgerAddress: "addr-a", ReconnectToken: "tok-a"})
	if err != nil {
		t.Fatalf("add alice: %v", err)
	}
	if alice.Seq != 1 || s.PlayerCount != 1 {
		t.Fatalf("unexpected seq/count %d/%d", alice.Seq, s.PlayerCount)
	}
	bob, s, err := store.AddParticipant(ctx, 1, domain.Participant{ID: "p2", SessionID: "s1", DisplayName: "Bob", ReconnectToken: "tok-b"})
	if err != nil {
		t.Fatalf("add bob: %v", err)
	}
	if bob.Seq != 2 || s.PlayerCount != 2 {
		t.Fatalf("unexpected seq/count %d/%d", bob.Seq, s.PlayerCount)
	}

	identity, err := store.ResolveToken(ctx, "tok-a")
	if err != nil || identity.ParticipantID != "p1" || identity.SessionID != "s1" {
		t.Fatalf("resolve participant token: %v %+v", err, identity)
	}

	next, err := session.Advance("", time.Now())
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	s, err = store.UpdatePhase(ctx, 1, next)
	if err != nil {
		t.Fatalf("update phase: %v", err)
	}
	if s.Phase != domain.PhaseQuestion || s.PlayerCount != 2 || s.Version != 2 {
		t.Fatalf("unexpected committed session %+v", s)
	}

	p, s, err := store.RecordAnswer(ctx, "s1", 2, "p1", domain.Answer{QuestionIndex: 0, Letter: "B", IsCorrect: true, PointsAwarded: 1400})
	if err != nil {
		t.Fatalf("record answer: %v", err)
	}
	if p.Score != 1400 || len(p.Answers) != 1 || s.AnswersSubmitted != 1 {
		t.Fatalf("unexpected state after answer: %+v %+v", p, s)
	}
	if _, _, err := store.RecordAnswer(ctx, "s1", 2, "p1", domain.Answer{QuestionIndex: 0, Letter: "C"}); !errors.Is(err, domain.ErrDuplicateAnswer) {
		t.Fatalf("expected ErrDuplicateAnswer, got %v", err)
	}
	if _, _, err := store.RecordAnswer(ctx, "s1", 1, "p2", domain.Answer{QuestionIndex: 0, Letter: "A"}); !errors.Is(err, domain.ErrStaleState) {
		t.Fatalf("expected ErrStaleState for old version, got %v", err)
	}
	if _, _, err := store.RecordAnswer(ctx, "s1", 2, "ghost", domain.Answer{QuestionIndex: 0, Letter: "A"}); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}

	list, err := store.ListParticipants(ctx, "s1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != "p1" || list[1].ID != "p2" {
		t.Fatalf("expected join order, got %+v", list)
	}
	if list[0].LedgerAddress != "addr-a" || list[0].ReconnectToken != "tok-a" {
		t.Fatalf("participant record not round-tripped: %+v", list[0])
	}
}

func TestSessionStoreConcurrentAnswersCountEach(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	session := lobbySession("s1", "123456")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}
	ids := []string{"p1", "p2", "p3", "p4"}
	for _, id := range ids {
		if _, _, err := store.AddParticipant(ctx, 1, domain.Participant{ID: id, SessionID: "s1", ReconnectToken: "tok-" + id}); err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
	}
	next, _ := session.Advance("", time.Now())
	if _, err := store.UpdatePhase(ctx, 1, next); err != nil {
		t.Fatalf("update phase: %v", err)
	}

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for {
				_, _, err := store.RecordAnswer(ctx, "s1", 2, id, domain.Answer{QuestionIndex: 0, Letter: "A", PointsAwarded: 10})
				if errors.Is(err, domain.ErrStaleState) {
					continue
				}
				if err != nil {
					t.Errorf("record %s: %v", id, err)
				}
				return
			}
		}(id)
	}
	wg.Wait()

	s, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.AnswersSubmitted != len(ids) {
		t.Fatalf("expected %d answers counted, got %d", len(ids), s.AnswersSubmitted)
	}
}

func TestSessionStoreFinishReleasesPIN(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	session := lobbySession("s1", "123456")
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}

	now := time.Now()
	for session.Phase != domain.PhaseFinished {
		next, err := session.Advance("", now)
		if err != nil {
			t.Fatalf("advance from %s: %v", session.Phase, err)
		}
		stale := session.Version - 1
		if _, err := store.UpdatePhase(ctx, stale, next); !errors.Is(err, domain.ErrStaleState) {
			t.Fatalf("expected stale update rejected, got %v", err)
		}
		if session, err = store.UpdatePhase(ctx, session.Version, next); err != nil {
			t.Fatalf("update phase: %v", err)
		}
	}
	if mr.Exists("hoot:pin:123456") {
		t.Fatalf("expected pin released on finish")
	}
	if session.EndedAt == nil {
		t.Fatalf("expected ended timestamp")
	}

	s, err := store.MarkRewardClaimed(ctx, "s1", "rcpt-1")
	if err != nil || !s.RewardClaimed || s.ClaimReceipt != "rcpt-1" {
		t.Fatalf("mark claimed: %v %+v", err, s)
	}
	if _, err := store.MarkRewardClaimed(ctx, "s1", "rcpt-2"); !errors.Is(err, domain.ErrRewardAlreadyClaimed) {
		t.Fatalf("expected ErrRewardAlreadyClaimed, got %v", err)
	}
}

func TestSessionStoreRemoveParticipant(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	if err := store.CreateSession(ctx, lobbySession("s1", "123456")); err != nil {
		t.Fatalf("create: %v", err)
	}
	p, _, err := store.AddParticipant(ctx, 1, domain.Participant{ID: "p1", SessionID: "s1", ReconnectToken: "tok-1"})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	s, err := store.RemoveParticipant(ctx, 1, p)
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if s.PlayerCount != 0 {
		t.Fatalf("expected empty lobby, got %d", s.PlayerCount)
	}
	if mr.Exists("hoot:token:tok-1") || mr.Exists("hoot:participant:p1") {
		t.Fatalf("expected participant keys removed")
	}
	if _, err := store.RemoveParticipant(ctx, 1, p); !errors.Is(err, domain.ErrParticipantNotFound) {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
}

func TestTxErrMapsAbortedTransactions(t *testing.T) {
	if !errors.Is(txErr(redis.TxFailedErr), domain.ErrStaleState) {
		t.Fatalf("expected aborted transaction to map to ErrStaleState")
	}
	other := errors.New("boom")
	if !errors.Is(txErr(other), other) {
		t.Fatalf("expected other errors to pass through")
	}
}

func TestSessionStoreRenewsExpiryWhileActive(t *testing.T) {
	ctx := context.Background()
	store, mr := newTestStore(t)
	session := lobbySession("s1", "123456")
	session.QuestionCount = 3
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("create: %v", err)
	}
	alice, _, err := store.AddParticipant(ctx, 1, domain.Participant{
		ID: "p1", SessionID: "s1", DisplayName: "Alice", LedgerAddress: "addr-alice", ReconnectToken: "tok-alice",
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	// Four phase changes twenty minutes apart outlast the one hour ttl
	// measured from join.
	now := time.Now()
	for i := 0; i < 4; i++ {
		mr.FastForward(20 * time.Minute)
		next, err := session.Advance("", now)
		if err != nil {
			t.Fatalf("advance: %v", err)
		}
		if session, err = store.UpdatePhase(ctx, session.Version, next); err != nil {
			t.Fatalf("update phase %d: %v", i, err)
		}
	}
	mr.FastForward(20 * time.Minute)
	if session.Phase != domain.PhaseQuestion || session.QuestionIndex != 1 {
		t.Fatalf("unexpected phase %s/%d", session.Phase, session.QuestionIndex)
	}

	if _, _, err := store.RecordAnswer(ctx, "s1", session.Version, alice.ID, domain.Answer{QuestionIndex: 1, Letter: "A", PointsAwarded: 900}); err != nil {
		t.Fatalf("record answer: %v", err)
	}
	participants, err := store.ListParticipants(ctx, "s1")
	if err != nil || len(participants) != 1 || participants[0].Score != 900 {
		t.Fatalf("participants after 100m: %v %+v", err, participants)
	}
	for _, token := range []string{"host-s1", "tok-alice"} {
		if _, err := store.ResolveToken(ctx, token); err != nil {
			t.Fatalf("resolve %s: %v", token, err)
		}
	}
	if _, err := store.GetSessionByPIN(ctx, "123456"); err != nil {
		t.Fatalf("pin after 100m: %v", err)
	}
	if got, _ := store.ListParticipantsByLedgerAddress(ctx, "addr-alice"); len(got) != 1 {
		t.Fatalf("ledger index after 100m: %+v", got)
	}
	for _, key := range []string{"hoot:participant:p1", "hoot:participant:p1:answers", "hoot:token:tok-alice", "hoot:pin:123456", "hoot:session:s1:participants"} {
		if ttl := mr.TTL(key); ttl < 59*time.Minute {
			t.Fatalf("expected %s renewed, ttl=%v", key, ttl)
		}
	}

	// An abandoned session still expires as a whole.
	mr.FastForward(61 * time.Minute)
	if _, err := store.GetSession(ctx, "s1"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected session expired, got %v", err)
	}
	if _, err := store.ResolveToken(ctx, "tok-alice"); !errors.Is(err, domain.ErrReconnectTokenInvalid) {
		t.Fatalf("expected token expired, got %v", err)
	}
}

func TestSessionStoreLedgerIndex(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	for _, s := range []domain.Session{lobbySession("s1", "111111"), lobbySession("s2", "222222")} {
		if err := store.CreateSession(ctx, s); err != nil {
			t.Fatalf("create: %v", err)
		}
	}
	joined := time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)
	add := func(id, sessionID, address string, offset time.Duration) domain.Participant {
		t.Helper()
		p, _, err := store.AddParticipant(ctx, 1, domain.Participant{
			ID: id, SessionID: sessionID, DisplayName: id, LedgerAddress: address, ReconnectToken: "tok-" + id, JoinedAt: joined.Add(offset),
		})
		if err != nil {
			t.Fatalf("add %s: %v", id, err)
		}
		return p
	}
	add("p2", "s2", "addr-a", time.Minute)
	p1 := add("p1", "s1", "addr-a", 0)
	add("p3", "s1", "addr-b", 0)

	got, err := store.ListParticipantsByLedgerAddress(ctx, "addr-a")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 || got[0].ID != "p1" || got[1].ID != "p2" {
		t.Fatalf("unexpected participants: %+v", got)
	}

	if _, err := store.RemoveParticipant(ctx, 1, p1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err = store.ListParticipantsByLedgerAddress(ctx, "addr-a")
	if err != nil || len(got) != 1 || got[0].ID != "p2" {
		t.Fatalf("after leave: %v %+v", err, got)
	}
}

func TestSessionStoreSettleRewardClaim(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t)
	if err := store.CreateSession(ctx, lobbySession("s1", "123456")); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := store.MarkRewardClaimed(ctx, "s1", "pending-1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	s, err := store.SettleRewardClaim(ctx, "s1", "pending-1", "")
	if err != nil || s.RewardClaimed {
		t.Fatalf("release: %v %+v", err, s)
	}
	if _, err := store.MarkRewardClaimed(ctx, "s1", "pending-2"); err != nil {
		t.Fatalf("reserve again: %v", err)
	}
	if _, err := store.SettleRewardClaim(ctx, "s1", "pending-1", "rcpt"); !errors.Is(err, domain.ErrRewardAlreadyClaimed) {
		t.Fatalf("expected ErrRewardAlreadyClaimed, got %v", err)
	}
	s, err = store.SettleRewardClaim(ctx, "s1", "pending-2", "rcpt")
	if err != nil || !s.RewardClaimed || s.ClaimReceipt != "rcpt" {
		t.Fatalf("settle: %v %+v", err, s)
	}
	if _, err := store.SettleRewardClaim(ctx, "missing", "pending-2", "rcpt"); !errors.Is(err, domain.ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}
