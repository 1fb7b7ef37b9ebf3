package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"go-im-client/internal/model"
)

func TestLedgerMarkReadOnlyFromSuccess(t *testing.T) {
	l := NewLedger(16)
	for id, st := range map[string]model.Status{
		"ok":      model.StatusSuccess,
		"sending": model.StatusSending,
		"failed":  model.StatusFailed,
		"queued":  model.StatusQueued,
	} {
		l.Put(model.Message{ID: id, From: "u1", To: "u2", Status: st}, nil)
	}
	l.Put(model.Message{ID: "peer", From: "u2", To: "u1", Status: model.StatusSuccess}, nil)

	changed := l.MarkRead("u1", []string{"ok", "sending", "failed", "queued", "peer", "missing"})
	assert.Len(t, changed, 1)
	assert.Equal(t, "ok", changed[0].msg.ID)

	assert.Empty(t, l.MarkRead("u1", []string{"ok"}), "read is terminal")

	m, _ := l.Get("sending")
	assert.Equal(t, model.StatusSending, m.Status)
}

func TestLedgerTransitionRules(t *testing.T) {
	l := NewLedger(16)
	l.Put(model.Message{ID: "a", Status: model.StatusQueued}, nil)

	_, ok := l.Transition("a", model.StatusSuccess)
	assert.False(t, ok, "queued cannot jump to success")
	_, ok = l.Transition("a", model.StatusSending)
	assert.True(t, ok)
	_, ok = l.Transition("a", model.StatusSuccess)
	assert.True(t, ok)
	_, ok = l.Transition("missing", model.StatusSending)
	assert.False(t, ok)
}

func TestLedgerEvictsOldest(t *testing.T) {
	l := NewLedger(2)
	l.Put(model.Message{ID: "a"}, nil)
	l.Put(model.Message{ID: "b"}, nil)
	l.Put(model.Message{ID: "c"}, nil)
	_, ok := l.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 2, l.Len())
}

func TestReadTrackerSkipsOwnAndDuplicates(t *testing.T) {
	r := NewReadTracker()
	r.SetIdentity("u1")
	n := r.MarkSeen(
		model.Message{ID: "a", From: "u2"},
		model.Message{ID: "own", From: "u1"},
		model.Message{From: "u2"},
		model.Message{ID: "a", From: "u2"},
		model.Message{ID: "b", From: "u3"},
	)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"a", "b"}, r.Outstanding())

	r.Clear([]string{"a"})
	assert.Equal(t, []string{"b"}, r.Outstanding())
}
