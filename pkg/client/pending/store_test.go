package pending

import (
	"testing"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/z-chat/backend/internal/model/chat"
	"github.com/zhouzirui/z-chat/backend/pkg/client/bus"
)

func openMem(t *testing.T, fs vfs.FS, b *bus.Bus) *Store {
	t.Helper()
	s, err := Open(Config{Path: "pending", Pebble: &pebble.Options{FS: fs}}, b)
	require.NoError(t, err)
	return s
}

var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func msg(conv, id string, at time.Time) chat.PendingMessage {
	return chat.PendingMessage{ID: id, ConversationID: conv, Content: "body " + id, CreatedAt: at}
}

func TestSaveDefaultsAndGet(t *testing.T) {
	s := openMem(t, vfs.NewMem(), nil)
	defer s.Close()

	saved, err := s.Save(msg("c1", "m1", base))
	require.NoError(t, err)
	require.Equal(t, chat.StatusPending, saved.Status)
	require.Equal(t, chat.RoleUser, saved.Role)
	require.Equal(t, uint64(1), saved.Seq)

	got, err := s.Get("c1", "m1")
	require.NoError(t, err)
	require.Equal(t, "body m1", got.Content)
}

func TestSaveRejectsMissingIDs(t *testing.T) {
	s := openMem(t, vfs.NewMem(), nil)
	defer s.Close()

	_, err := s.Save(chat.PendingMessage{ConversationID: "c1"})
	require.ErrorIs(t, err, ErrInvalid)
}

func TestListOrdersBySubmissionWithSeqTiebreak(t *testing.T) {
	s := openMem(t, vfs.NewMem(), nil)
	defer s.Close()

	// same timestamp: order falls back to save order, not key order
	for _, id := range []string{"zz", "aa", "mm"} {
		_, err := s.Save(msg("c1", id, base))
		require.NoError(t, err)
	}
	_, err := s.Save(msg("c1", "early", base.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = s.Save(msg("c2", "other", base.Add(-time.Hour)))
	require.NoError(t, err)

	list, err := s.ListPending("c1")
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, m := range list {
		ids = append(ids, m.ID)
	}
	require.Equal(t, []string{"early", "zz", "aa", "mm"}, ids)

	all, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, all, 5)
	require.Equal(t, "other", all[0].ID)
}

func TestListPendingDoesNotLeakPrefixSiblings(t *testing.T) {
	s := openMem(t, vfs.NewMem(), nil)
	defer s.Close()

	_, err := s.Save(msg("abc", "1", base))
	require.NoError(t, err)
	_, err = s.Save(msg("abc-1", "2", base))
	require.NoError(t, err)
	_, err = s.Save(msg("abcd", "3", base))
	require.NoError(t, err)

	list, err := s.ListPending("abc")
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "1", list[0].ID)
}

func TestStatusAndRetryMutations(t *testing.T) {
	s := openMem(t, vfs.NewMem(), nil)
	defer s.Close()
	_, err := s.Save(msg("c1", "m1", base))
	require.NoError(t, err)

	updated, err := s.UpdateStatus("c1", "m1", chat.StatusFailed)
	require.NoError(t, err)
	require.Equal(t, chat.StatusFailed, updated.Status)

	updated, err = s.IncrementRetryCount("c1", "m1")
	require.NoError(t, err)
	require.Equal(t, 1, updated.RetryCount)
	require.Equal(t, uint64(1), updated.Seq, "mutations keep the original seq")

	_, err = s.UpdateStatus("c1", "missing", chat.StatusSending)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRemoveReportsWhetherMessageExisted(t *testing.T) {
	s := openMem(t, vfs.NewMem(), nil)
	defer s.Close()
	_, err := s.Save(msg("c1", "m1", base))
	require.NoError(t, err)

	removed, err := s.Remove("c1", "m1")
	require.NoError(t, err)
	require.True(t, removed)

	removed, err = s.Remove("c1", "m1")
	require.NoError(t, err)
	require.False(t, removed)
}

func TestPurgeExpiredIgnoresStatus(t *testing.T) {
	s := openMem(t, vfs.NewMem(), nil)
	defer s.Close()

	old := msg("c1", "old", base.Add(-25*time.Hour))
	old.Status = chat.StatusSending
	_, err := s.Save(old)
	require.NoError(t, err)
	_, err = s.Save(msg("c1", "fresh", base.Add(-time.Hour)))
	require.NoError(t, err)

	n, err := s.PurgeExpired(base)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	list, err := s.ListAll()
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, "fresh", list[0].ID)
}

func TestContentsSurviveReopen(t *testing.T) {
	fs := vfs.NewMem()
	s := openMem(t, fs, nil)
	_, err := s.Save(msg("c1", "m1", base))
	require.NoError(t, err)
	_, err = s.UpdateStatus("c1", "m1", chat.StatusSending)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openMem(t, fs, nil)
	defer reopened.Close()

	got, err := reopened.Get("c1", "m1")
	require.NoError(t, err)
	require.Equal(t, chat.StatusSending, got.Status)

	next, err := reopened.Save(msg("c1", "m2", base))
	require.NoError(t, err)
	require.Equal(t, uint64(2), next.Seq, "seq counter resumes after restart")
}

func TestMutationsPublishChanged(t *testing.T) {
	b := bus.New()
	var changes []Changed
	b.Subscribe(bus.TopicPendingChanged, func(p any) { changes = append(changes, p.(Changed)) })

	s := openMem(t, vfs.NewMem(), b)
	defer s.Close()

	_, err := s.Save(msg("c1", "m1", base))
	require.NoError(t, err)
	_, err = s.UpdateStatus("c1", "m1", chat.StatusSending)
	require.NoError(t, err)
	_, err = s.Remove("c1", "m1")
	require.NoError(t, err)
	_, err = s.Remove("c1", "m1")
	require.NoError(t, err)

	require.Len(t, changes, 3, "a no-op remove publishes nothing")
	require.Equal(t, Changed{ConversationID: "c1", ID: "m1"}, changes[0])
}

func TestClosedStoreRejectsCalls(t *testing.T) {
	s := openMem(t, vfs.NewMem(), nil)
	require.NoError(t, s.Close())

	_, err := s.Save(msg("c1", "m1", base))
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.ListAll()
	require.ErrorIs(t, err, ErrClosed)
}
