package memory

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"steward/internal/embedding"
	"steward/internal/logging"
)

// Config controls retrieval and compaction.
type Config struct {
	TopK               int
	DecayFactor        float64 // per-day multiplier base, e.g. 0.98
	SummarizeAfterDays int
	QueryCacheSize     int
}

// DefaultConfig returns retrieval defaults.
func DefaultConfig() Config {
	return Config{TopK: 5, DecayFactor: 0.98, SummarizeAfterDays: 30, QueryCacheSize: 256}
}

// Store is the episode memory. Writes append to episodes.jsonl and
// embeddings.bin in lockstep; the binary file holds one fixed-size record
// per episode (dims float32 values, little endian), indexed by position.
type Store struct {
	mu      sync.Mutex
	dir     string
	engine  embedding.Engine
	dims    int
	cfg     Config
	queryCache *lru.Cache[string, []float32]

	// in-memory index, loaded at Open, appended in lockstep with disk
	episodes []Episode
	vectors  [][]float32
}

// Open loads the episode store from <dir>/episodes.jsonl and
// <dir>/embeddings.bin. A trailing partial line or record from an
// interrupted append is dropped; the two files are reconciled to the
// shorter prefix.
func Open(dir string, engine embedding.Engine, cfg Config) (*Store, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "memory.Open")
	defer timer.Stop()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create episode dir: %w", err)
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.DecayFactor <= 0 || cfg.DecayFactor > 1 {
		cfg.DecayFactor = 0.98
	}
	if cfg.QueryCacheSize <= 0 {
		cfg.QueryCacheSize = 256
	}

	cache, err := lru.New[string, []float32](cfg.QueryCacheSize)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dir:        dir,
		engine:     engine,
		dims:       engine.Dimensions(),
		cfg:        cfg,
		queryCache: cache,
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	logging.Memory("episode store opened: %d episodes, dims=%d", len(s.episodes), s.dims)
	return s, nil
}

func (s *Store) episodesPath() string  { return filepath.Join(s.dir, "episodes.jsonl") }
func (s *Store) embeddingsPath() string { return filepath.Join(s.dir, "embeddings.bin") }

func (s *Store) recordSize() int { return s.dims * 4 }

func (s *Store) load() error {
	// Episodes
	f, err := os.Open(s.episodesPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ep Episode
		if err := json.Unmarshal(line, &ep); err != nil {
			logging.MemoryDebug("dropping unparsable trailing episode line")
			break
		}
		s.episodes = append(s.episodes, ep)
	}
	f.Close()
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan episodes: %w", err)
	}

	// Embeddings: fixed-size records, random access by position
	data, err := os.ReadFile(s.embeddingsPath())
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	rec := s.recordSize()
	for off := 0; off+rec <= len(data); off += rec {
		vec := make([]float32, s.dims)
		for i := 0; i < s.dims; i++ {
			bits := binary.LittleEndian.Uint32(data[off+i*4:])
			vec[i] = math.Float32frombits(bits)
		}
		s.vectors = append(s.vectors, vec)
	}

	// Reconcile: an interrupted append can leave the streams one apart.
	if len(s.vectors) != len(s.episodes) {
		n := len(s.episodes)
		if len(s.vectors) < n {
			n = len(s.vectors)
		}
		logging.Memory("reconciling episode streams: %d episodes, %d vectors -> %d", len(s.episodes), len(s.vectors), n)
		s.episodes = s.episodes[:n]
		s.vectors = s.vectors[:n]
	}
	return nil
}

// Len returns the number of stored episodes.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.episodes)
}

// Append embeds and persists an episode. The vector is computed at write
// time from the reflection (or goal when no reflection exists).
func (s *Store) Append(ctx context.Context, ep Episode) error {
	timer := logging.StartTimer(logging.CategoryMemory, "memory.Append")
	defer timer.Stop()

	if ep.Timestamp.IsZero() {
		ep.Timestamp = time.Now().UTC()
	}

	vec, err := s.embed(ctx, ep.retrievalText())
	if err != nil {
		return fmt.Errorf("embed episode: %w", err)
	}

	line, err := json.Marshal(ep)
	if err != nil {
		return fmt.Errorf("marshal episode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ef, err := os.OpenFile(s.episodesPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	if _, err := ef.Write(append(line, '\n')); err != nil {
		ef.Close()
		return err
	}
	ef.Close()

	vf, err := os.OpenFile(s.embeddingsPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	buf := make([]byte, s.recordSize())
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	if _, err := vf.Write(buf); err != nil {
		vf.Close()
		return err
	}
	vf.Close()

	s.episodes = append(s.episodes, ep)
	s.vectors = append(s.vectors, vec)
	logging.MemoryDebug("appended episode %s (success=%t, level=%d)", ep.EpisodeID, ep.Outcome.Success, ep.RecoveryLevelUsed)
	return nil
}

func (s *Store) embed(ctx context.Context, text string) ([]float32, error) {
	if vec, ok := s.queryCache.Get(text); ok {
		return vec, nil
	}
	vec, err := s.engine.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	vec = embedding.Fit(vec, s.dims)
	s.queryCache.Add(text, vec)
	return vec, nil
}

// Retrieve returns the top-k episodes most similar to the query. The score
// is cosine similarity times decay^(age in days). When onlySuccess is set,
// failed episodes are filtered before ranking.
func (s *Store) Retrieve(ctx context.Context, query string, k int, onlySuccess bool) ([]Scored, error) {
	timer := logging.StartTimer(logging.CategoryMemory, "memory.Retrieve")
	defer timer.Stop()

	if k <= 0 {
		k = s.cfg.TopK
	}
	qvec, err := s.embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	scored := make([]Scored, 0, len(s.episodes))
	for i := range s.episodes {
		ep := s.episodes[i]
		if onlySuccess && !ep.Outcome.Success {
			continue
		}
		sim, err := embedding.CosineSimilarity(qvec, s.vectors[i])
		if err != nil {
			continue
		}
		ageDays := now.Sub(ep.Timestamp).Hours() / 24
		if ageDays < 0 {
			ageDays = 0
		}
		decay := math.Pow(s.cfg.DecayFactor, ageDays)
		scored = append(scored, Scored{Episode: ep, Similarity: sim, Score: sim * decay})
	}

	sort.Slice(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })
	if len(scored) > k {
		scored = scored[:k]
	}
	logging.MemoryDebug("retrieve %q -> %d results", truncate(query, 60), len(scored))
	return scored, nil
}

// Compact replaces episodes older than the configured age with a single
// summary episode that preserves reflection text and aggregate outcome.
// Both files are rewritten atomically via temp-and-rename.
func (s *Store) Compact(ctx context.Context) (int, error) {
	if s.cfg.SummarizeAfterDays <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.cfg.SummarizeAfterDays)

	s.mu.Lock()
	defer s.mu.Unlock()

	var old, kept []Episode
	var keptVecs [][]float32
	for i := range s.episodes {
		if s.episodes[i].Timestamp.Before(cutoff) && !s.episodes[i].IsSummary {
			old = append(old, s.episodes[i])
		} else {
			kept = append(kept, s.episodes[i])
			keptVecs = append(keptVecs, s.vectors[i])
		}
	}
	if len(old) == 0 {
		return 0, nil
	}

	succeeded := 0
	var reflections []string
	var cost float64
	for _, ep := range old {
		if ep.Outcome.Success {
			succeeded++
		}
		if ep.Reflection != "" {
			reflections = append(reflections, ep.Reflection)
		}
		cost += ep.CostUSD
	}
	summary := Episode{
		EpisodeID:        fmt.Sprintf("summary-%d", time.Now().UnixNano()),
		Timestamp:        time.Now().UTC(),
		Goal:             fmt.Sprintf("summary of %d episodes before %s", len(old), cutoff.Format("2006-01-02")),
		Outcome:          Outcome{Success: succeeded*2 >= len(old)},
		Reflection:       joinBounded(reflections, 4000),
		CostUSD:          cost,
		IsSummary:        true,
		SummarizedN:      len(old),
		SummarySucceeded: succeeded,
	}
	svec, err := s.embed(ctx, summary.retrievalText())
	if err != nil {
		return 0, err
	}

	kept = append([]Episode{summary}, kept...)
	keptVecs = append([][]float32{svec}, keptVecs...)

	if err := s.rewrite(kept, keptVecs); err != nil {
		return 0, err
	}
	s.episodes = kept
	s.vectors = keptVecs
	logging.Memory("compacted %d episodes into one summary (%d succeeded)", len(old), succeeded)
	return len(old), nil
}

func (s *Store) rewrite(eps []Episode, vecs [][]float32) error {
	epTmp := s.episodesPath() + ".tmp"
	ef, err := os.Create(epTmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(ef)
	for i := range eps {
		line, err := json.Marshal(eps[i])
		if err != nil {
			ef.Close()
			return err
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		ef.Close()
		return err
	}
	if err := ef.Sync(); err != nil {
		ef.Close()
		return err
	}
	ef.Close()

	vecTmp := s.embeddingsPath() + ".tmp"
	vf, err := os.Create(vecTmp)
	if err != nil {
		return err
	}
	buf := make([]byte, s.recordSize())
	for _, vec := range vecs {
		for i, v := range vec {
			binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
		}
		if _, err := vf.Write(buf); err != nil {
			vf.Close()
			return err
		}
	}
	if err := vf.Sync(); err != nil {
		vf.Close()
		return err
	}
	vf.Close()

	if err := os.Rename(epTmp, s.episodesPath()); err != nil {
		return err
	}
	return os.Rename(vecTmp, s.embeddingsPath())
}

func joinBounded(parts []string, max int) string {
	joined := strings.Join(parts, "\n")
	if len(joined) > max {
		return joined[:max]
	}
	return joined
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
