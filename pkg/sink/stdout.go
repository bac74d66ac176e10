package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mchahed99/heimdall-sub000/pkg/runechain"
)

// StdoutSink writes one JSON line per rune, suitable for piping into log
// shippers. Writes are serialized; the destination is os.Stdout unless
// redirected for tests.
type StdoutSink struct {
	mu  sync.Mutex
	out io.Writer
}

func NewStdoutSink() *StdoutSink {
	return &StdoutSink{out: os.Stdout}
}

// NewWriterSink targets an arbitrary writer.
func NewWriterSink(w io.Writer) *StdoutSink {
	return &StdoutSink{out: w}
}

func (s *StdoutSink) Name() string { return "stdout" }

func (s *StdoutSink) Emit(_ context.Context, r *runechain.Rune) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("sink: encode rune %d: %w", r.Sequence, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.out.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("sink: write rune %d: %w", r.Sequence, err)
	}
	return nil
}

func (s *StdoutSink) Close() error { return nil }
