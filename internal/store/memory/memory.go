// Package memory implements every store interface in process memory.
// It backs local runs and tests; data is lost on restart.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"slices"
	"sort"
	"sync"
	"time"

	"caeplane/internal/store"
)

type execKey struct {
	planID string
	mode   store.ExecutionMode
}

type uploadKey struct {
	planID string
	item   string
}

type execEntry struct {
	done   bool
	result []byte
}

// Store is safe for concurrent use. Plans and results are kept encoded so a
// caller can never mutate what is stored.
type Store struct {
	mu         sync.RWMutex
	pending    map[string]store.PendingItem
	documents  map[string]store.Document
	plans      map[string][]byte
	executions map[execKey]*execEntry
	uploads    map[uploadKey]bool // true once the portal accepted the item

	now func() time.Time
}

func New() *Store {
	return &Store{
		pending:    make(map[string]store.PendingItem),
		documents:  make(map[string]store.Document),
		plans:      make(map[string][]byte),
		executions: make(map[execKey]*execEntry),
		uploads:    make(map[uploadKey]bool),
		now:        time.Now,
	}
}

// Fixtures is the on-disk seed format.
type Fixtures struct {
	PendingItems []store.PendingItem `json:"pending_items"`
	Documents    []store.Document    `json:"documents"`
}

// LoadFixtures seeds the store from a JSON file.
func (s *Store) LoadFixtures(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read fixtures: %w", err)
	}
	var fx Fixtures
	if err := json.Unmarshal(data, &fx); err != nil {
		return fmt.Errorf("decode fixtures %s: %w", path, err)
	}
	s.AddPendingItems(fx.PendingItems...)
	s.AddDocuments(fx.Documents...)
	return nil
}

func (s *Store) AddPendingItems(items ...store.PendingItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, it := range items {
		s.pending[it.Key] = it
	}
}

func (s *Store) AddDocuments(docs ...store.Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range docs {
		s.documents[d.ID] = d
	}
}

func (s *Store) TakeSnapshot(ctx context.Context, scope store.Scope) (*store.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &store.Snapshot{
		CompanyKey: scope.CompanyKey,
		PlatformID: scope.PlatformID,
		TakenAt:    s.now().UTC(),
		Items:      []store.PendingItem{},
	}
	for _, it := range s.pending {
		if it.CompanyKey != scope.CompanyKey || it.PlatformID != scope.PlatformID {
			continue
		}
		if !matches(scope.TypeIDs, it.TypeID) || !matches(scope.SubjectIDs, it.SubjectID) || !matches(scope.PeriodKeys, it.PeriodKey) {
			continue
		}
		snap.Items = append(snap.Items, it)
	}
	sort.Slice(snap.Items, func(i, j int) bool { return snap.Items[i].Key < snap.Items[j].Key })
	return snap, nil
}

func matches(filter []string, v string) bool {
	return len(filter) == 0 || slices.Contains(filter, v)
}

func (s *Store) FindCandidates(ctx context.Context, companyKey, subjectID, typeID string) ([]store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []store.Document
	for _, d := range s.documents {
		if d.CompanyKey == companyKey && d.SubjectID == subjectID && d.TypeID == typeID {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetDocument(ctx context.Context, docID string) (*store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.documents[docID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &d, nil
}

func (s *Store) PutPlan(ctx context.Context, plan *store.SubmissionPlan) error {
	if !plan.Frozen {
		return fmt.Errorf("plan %s is not frozen", plan.ID)
	}
	data, err := json.Marshal(plan)
	if err != nil {
		return fmt.Errorf("encode plan: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.plans[plan.ID]; ok {
		return store.ErrPlanExists
	}
	s.plans[plan.ID] = data
	return nil
}

func (s *Store) GetPlan(ctx context.Context, id string) (*store.SubmissionPlan, error) {
	s.mu.RLock()
	data, ok := s.plans[id]
	s.mu.RUnlock()
	if !ok {
		return nil, store.ErrNotFound
	}
	var plan store.SubmissionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	return &plan, nil
}

func (s *Store) ClaimExecution(ctx context.Context, planID string, mode store.ExecutionMode) (bool, *store.ExecutionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := execKey{planID, mode}
	e, ok := s.executions[key]
	if !ok {
		s.executions[key] = &execEntry{}
		return true, nil, nil
	}
	if !e.done {
		return false, nil, store.ErrExecutionInProgress
	}
	prior, err := decodeResult(e.result)
	if err != nil {
		return false, nil, err
	}
	return false, prior, nil
}

func (s *Store) CompleteExecution(ctx context.Context, result *store.ExecutionResult) error {
	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[execKey{result.PlanID, result.Mode}]
	if !ok {
		return fmt.Errorf("no claim for plan %s mode %s", result.PlanID, result.Mode)
	}
	if e.done {
		return fmt.Errorf("execution of plan %s mode %s already completed", result.PlanID, result.Mode)
	}
	e.done = true
	e.result = data
	return nil
}

func (s *Store) GetExecution(ctx context.Context, planID string, mode store.ExecutionMode) (*store.ExecutionResult, error) {
	s.mu.RLock()
	e, ok := s.executions[execKey{planID, mode}]
	s.mu.RUnlock()
	if !ok || !e.done {
		return nil, store.ErrNotFound
	}
	return decodeResult(e.result)
}

// ReleaseExecution drops an unfinished claim, letting the plan run again in that mode.
func (s *Store) ReleaseExecution(ctx context.Context, planID string, mode store.ExecutionMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := execKey{planID, mode}
	if e, ok := s.executions[key]; ok && !e.done {
		delete(s.executions, key)
	}
	return nil
}

func (s *Store) ClaimUpload(ctx context.Context, planID, pendingItemKey string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := uploadKey{planID, pendingItemKey}
	if _, held := s.uploads[key]; held {
		return false, nil
	}
	s.uploads[key] = false
	return true, nil
}

func (s *Store) FinishUpload(ctx context.Context, planID, pendingItemKey string, uploaded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := uploadKey{planID, pendingItemKey}
	done, held := s.uploads[key]
	if !held || done {
		return fmt.Errorf("no pending upload claim for %s in plan %s", pendingItemKey, planID)
	}
	if uploaded {
		s.uploads[key] = true
	} else {
		delete(s.uploads, key)
	}
	return nil
}

func (s *Store) UploadedItems(ctx context.Context, planID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := []string{}
	for k, done := range s.uploads {
		if done && k.planID == planID {
			keys = append(keys, k.item)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

func decodeResult(data []byte) (*store.ExecutionResult, error) {
	var r store.ExecutionResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &r, nil
}
