package widget

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ashureev/chatbubble/internal/domain"
	"github.com/ashureev/chatbubble/internal/store"
)

// transcript is the append-only conversation history.
type transcript struct {
	kv     store.Store
	logger *slog.Logger
	turns  []domain.Turn
	// unsaved is set while turns holds only the greeting, which is written
	// together with the first real turn.
	unsaved bool
}

func loadTranscript(ctx context.Context, kv store.Store, greeting string, logger *slog.Logger) *transcript {
	t := &transcript{kv: kv, logger: logger}

	raw, ok, err := kv.Get(ctx, store.KeyHistory)
	if err != nil {
		logger.Warn("failed to read history, starting empty", "error", err)
	}
	if ok && raw != "" {
		var turns []domain.Turn
		if err := json.Unmarshal([]byte(raw), &turns); err != nil {
			logger.Warn("discarding undecodable history", "error", err)
		} else {
			for _, turn := range turns {
				if !turn.IsEmpty() {
					t.turns = append(t.turns, turn)
				}
			}
		}
	}

	if len(t.turns) == 0 && greeting != "" {
		t.turns = []domain.Turn{domain.BotText(greeting)}
		t.unsaved = true
	}
	return t
}

// append adds turns in order and persists the whole transcript.
func (t *transcript) append(ctx context.Context, turns ...domain.Turn) {
	for _, turn := range turns {
		if !turn.IsEmpty() {
			t.turns = append(t.turns, turn)
		}
	}
	t.unsaved = false
	t.persist(ctx)
}

func (t *transcript) persist(ctx context.Context) {
	data, err := json.Marshal(t.turns)
	if err != nil {
		t.logger.Error("failed to encode history", "error", err)
		return
	}
	if err := t.kv.Set(ctx, store.KeyHistory, string(data)); err != nil {
		t.logger.Warn("failed to persist history, keeping it in memory", "error", err, "turns", len(t.turns))
	}
}

// replay renders every entry in insertion order, then scrolls to the newest.
func (t *transcript) replay(v View) {
	for _, turn := range t.turns {
		v.RenderTurn(turn)
	}
	v.ScrollToEnd()
}

func (t *transcript) snapshot() []domain.Turn {
	out := make([]domain.Turn, len(t.turns))
	copy(out, t.turns)
	return out
}
