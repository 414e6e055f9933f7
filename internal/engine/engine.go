// Package engine implements the storage engine: a generation-partitioned,
// append-only write-ahead log paired with an in-memory offset index,
// plus the KVEngine capability set that lets a second backend stand in
// for it.
package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"kvlog/internal/posio"
	"kvlog/internal/record"
)

// KVEngine is the capability set every storage backend must satisfy:
// get/set/remove with a shared error taxonomy — in particular, Remove
// of an absent key MUST return ErrKeyNotFound.
type KVEngine interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Remove(key string) error
	Close() error
}

// logNamePattern matches "<digits>.log" with no leading zeros other
// than the literal "0". Compiled once per process.
var logNamePattern = regexp.MustCompile(`^(0|[1-9][0-9]*)\.log$`)

// indexEntry locates one record on disk.
type indexEntry struct {
	generation uint64
	offset     int64
	length     int64
}

// Engine is the native, single-writer storage engine.
type Engine struct {
	dir string

	mu      sync.Mutex // serializes all state-mutating access
	index   map[string]indexEntry
	readers map[uint64]*posio.Reader

	activeGen uint64
	writer    *posio.Writer

	// syncOnWrite selects the stronger durability level: fsync after
	// every flush instead of merely leaving process buffers.
	syncOnWrite bool

	// lastCompactDigest is the BLAKE3 digest of the most recently
	// written compaction generation, kept for diagnostics.
	lastCompactDigest []byte
}

// LastCompactDigest returns the BLAKE3 digest computed over the most
// recent compaction's rewritten generation, or nil if Compact has
// never run.
func (e *Engine) LastCompactDigest() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastCompactDigest
}

// Options configures Open.
type Options struct {
	// Fsync, when true, calls File.Sync() after every SET/REMOVE in
	// addition to flushing buffers. Default false (flush only).
	Fsync bool
}

// Open creates the data directory if missing, replays all existing
// generation logs to rebuild the index, and opens a fresh active
// generation for append.
func Open(dir string, opts Options) (*Engine, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("engine: create data directory: %w", err)
	}

	gens, err := existingGenerations(dir)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		dir:         dir,
		index:       make(map[string]indexEntry),
		readers:     make(map[uint64]*posio.Reader),
		syncOnWrite: opts.Fsync,
	}

	var maxGen uint64
	for _, gen := range gens {
		if err := e.replay(gen); err != nil {
			e.closeReaders()
			return nil, fmt.Errorf("engine: replay generation %d: %w", gen, err)
		}
		if gen > maxGen {
			maxGen = gen
		}
	}

	e.activeGen = maxGen + 1
	if err := e.openActive(); err != nil {
		e.closeReaders()
		return nil, err
	}

	return e, nil
}

// existingGenerations enumerates "<n>.log" files in dir, ascending.
// Files not matching the pattern are ignored; a log-named file whose
// stem fails to parse is a startup error.
func existingGenerations(dir string) ([]uint64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("engine: read data directory: %w", err)
	}

	var gens []uint64
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !logNamePattern.MatchString(name) {
			continue
		}
		stem := name[:len(name)-len(".log")]
		gen, err := strconv.ParseUint(stem, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("engine: malformed generation file %q: %w", name, err)
		}
		gens = append(gens, gen)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens, nil
}

func genPath(dir string, gen uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%d.log", gen))
}

// replay opens a reader for gen and folds its records into the index
// in byte order.
func (e *Engine) replay(gen uint64) error {
	f, err := os.Open(genPath(e.dir, gen))
	if err != nil {
		return err
	}

	r, err := posio.NewReader(f)
	if err != nil {
		f.Close()
		return err
	}

	dec := record.NewStreamDecoder(r, 0)
	for {
		op, start, end, derr := dec.Next()
		if derr != nil {
			break // io.EOF on a clean boundary, or a decode error: stop folding either way.
		}
		switch op.Tag {
		case record.TagSet:
			e.index[op.Key] = indexEntry{generation: gen, offset: start, length: end - start}
		case record.TagRemove:
			delete(e.index, op.Key)
		}
	}

	e.readers[gen] = r
	return nil
}

// openActive creates the active generation's log file and opens both
// a writer and a reader over it.
func (e *Engine) openActive() error {
	path := genPath(e.dir, e.activeGen)
	wf, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("engine: create active generation: %w", err)
	}
	w, err := posio.NewWriter(wf)
	if err != nil {
		wf.Close()
		return err
	}

	rf, err := os.OpenFile(path, os.O_RDONLY, 0644)
	if err != nil {
		w.Close()
		return err
	}
	r, err := posio.NewReader(rf)
	if err != nil {
		w.Close()
		rf.Close()
		return err
	}

	e.writer = w
	e.readers[e.activeGen] = r
	return nil
}

// Get looks up key and, if live, decodes its value from disk.
func (e *Engine) Get(key string) (string, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entry, ok := e.index[key]
	if !ok {
		return "", false, nil
	}

	r, ok := e.readers[entry.generation]
	if !ok {
		return "", false, fmt.Errorf("%w: no open reader for generation %d", ErrInvariantViolation, entry.generation)
	}

	buf := make([]byte, entry.length)
	if _, err := r.ReadAt(buf, entry.offset); err != nil {
		return "", false, fmt.Errorf("engine: read record: %w", err)
	}

	op, err := record.Decode(buf)
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrInvariantViolation, err)
	}
	if op.Tag != record.TagSet || op.Key != key {
		return "", false, fmt.Errorf("%w: index entry for %q did not decode as its Set record", ErrInvariantViolation, key)
	}

	return op.Value, true, nil
}

// Set appends a Set record to the active generation, flushes, and
// overwrites the index entry for key.
func (e *Engine) Set(key, value string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.append(record.Set(key, value))
}

// Remove appends a Remove record if key is live, flushes, and erases
// the index entry. Returns ErrKeyNotFound without writing if the key
// is absent.
func (e *Engine) Remove(key string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.index[key]; !ok {
		return fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if err := e.append(record.Remove(key)); err != nil {
		return err
	}
	delete(e.index, key)
	return nil
}

// append writes op to the active log, flushes (or fsyncs, per
// syncOnWrite), and for a Set updates the index entry for op.Key. The
// tag, not the key's zero value, decides whether the index is
// touched, so an empty-string key still indexes correctly. The caller
// holds e.mu.
func (e *Engine) append(op record.Operation) error {
	start := e.writer.Offset()
	buf := record.Encode(op)

	if _, err := e.writer.Write(buf); err != nil {
		return fmt.Errorf("engine: write record: %w", err)
	}

	var flushErr error
	if e.syncOnWrite {
		flushErr = e.writer.Sync()
	} else {
		flushErr = e.writer.Flush()
	}
	if flushErr != nil {
		return fmt.Errorf("engine: flush record: %w", flushErr)
	}

	if op.Tag == record.TagSet {
		e.index[op.Key] = indexEntry{
			generation: e.activeGen,
			offset:     start,
			length:     e.writer.Offset() - start,
		}
	}
	return nil
}

func (e *Engine) closeReaders() {
	for _, r := range e.readers {
		r.Close()
	}
}

// Close releases every open file handle: the active writer and one
// reader per known generation.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error
	if e.writer != nil {
		if err := e.writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, r := range e.readers {
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
