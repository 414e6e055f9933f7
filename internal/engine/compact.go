package engine

import (
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"kvlog/internal/posio"
	"kvlog/internal/record"
)

// Compact rewrites every live Set record into a fresh generation,
// atomically re-points the index at it, then retires every other
// generation. No live index entry is ever observable pointing at a
// deleted file: the index swap happens in full before any file is
// removed.
func (e *Engine) Compact() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	newGen := e.activeGen + 1
	newPath := genPath(e.dir, newGen)

	wf, err := os.OpenFile(newPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("engine: compact: create generation %d: %w", newGen, err)
	}
	w, err := posio.NewWriter(wf)
	if err != nil {
		wf.Close()
		return err
	}

	digest := blake3.New()
	newIndex := make(map[string]indexEntry, len(e.index))

	for key, entry := range e.index {
		r, ok := e.readers[entry.generation]
		if !ok {
			w.Close()
			return fmt.Errorf("%w: no open reader for generation %d during compaction", ErrInvariantViolation, entry.generation)
		}
		buf := make([]byte, entry.length)
		if _, err := r.ReadAt(buf, entry.offset); err != nil {
			w.Close()
			return fmt.Errorf("engine: compact: read live record for %q: %w", key, err)
		}
		op, err := record.Decode(buf)
		if err != nil || op.Tag != record.TagSet || op.Key != key {
			w.Close()
			return fmt.Errorf("%w: live entry for %q failed to decode during compaction", ErrInvariantViolation, key)
		}

		start := w.Offset()
		encoded := record.Encode(op)
		if _, err := w.Write(encoded); err != nil {
			w.Close()
			return fmt.Errorf("engine: compact: write record for %q: %w", key, err)
		}
		digest.Write(encoded)

		newIndex[key] = indexEntry{generation: newGen, offset: start, length: w.Offset() - start}
	}

	if err := w.Sync(); err != nil {
		w.Close()
		return fmt.Errorf("engine: compact: sync new generation: %w", err)
	}

	rf, err := os.OpenFile(newPath, os.O_RDONLY, 0644)
	if err != nil {
		w.Close()
		return err
	}
	newReader, err := posio.NewReader(rf)
	if err != nil {
		w.Close()
		rf.Close()
		return err
	}

	e.lastCompactDigest = digest.Sum(nil)

	staleGens := make([]uint64, 0, len(e.readers))
	for gen := range e.readers {
		if gen != newGen {
			staleGens = append(staleGens, gen)
		}
	}

	// Commit: swap the index, close the old writer if the active
	// generation is being retired, register the new reader, and only
	// then delete stale files. A reader lookup for any live key
	// resolves to newGen or a not-yet-deleted stale generation at
	// every point in this sequence.
	e.index = newIndex
	oldWriter := e.writer
	e.writer = w
	e.readers[newGen] = newReader
	e.activeGen = newGen

	if oldWriter != nil {
		oldWriter.Close()
	}
	for _, gen := range staleGens {
		if r, ok := e.readers[gen]; ok {
			r.Close()
			delete(e.readers, gen)
		}
		if err := os.Remove(genPath(e.dir, gen)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("engine: compact: remove retired generation %d: %w", gen, err)
		}
	}

	return nil
}
