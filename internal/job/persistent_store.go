package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hirefetch/harvester/internal/db"
	"github.com/hirefetch/harvester/internal/fault"
)

const recordNamespace = "harvester/"

// PersistentArchive stores records as JSON in badger under "records/<id>".
type PersistentArchive struct {
	dbStore *db.Store
}

func NewPersistentArchive(dbStore *db.Store) *PersistentArchive {
	return &PersistentArchive{dbStore: dbStore}
}

func (a *PersistentArchive) Put(r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := a.dbStore.Set(recordNamespace, "records/"+r.DownloadID, data); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	return nil
}

func (a *PersistentArchive) Get(downloadID string) (Record, error) {
	data, err := a.dbStore.Get(recordNamespace, "records/"+downloadID)
	if errors.Is(err, db.ErrKeyNotFound) {
		return Record{}, fault.New(fault.KindUnknownDownload, "archive get", "download %s not found", downloadID)
	}
	if err != nil {
		return Record{}, fmt.Errorf("get record: %w", err)
	}

	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return Record{}, fmt.Errorf("unmarshal record: %w", err)
	}
	return r, nil
}

// List returns records most recently completed first.
func (a *PersistentArchive) List(limit, offset int) ([]Record, int, error) {
	var all []Record
	err := a.dbStore.Scan(recordNamespace, "records/", func(_ string, value []byte) error {
		var r Record
		if err := json.Unmarshal(value, &r); err != nil {
			return nil
		}
		all = append(all, r)
		return nil
	})
	if err != nil {
		return nil, 0, fmt.Errorf("scan records: %w", err)
	}
	page, total := paginate(all, limit, offset)
	return page, total, nil
}

// MemoryArchive is the Archive used when no data directory is configured.
type MemoryArchive struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{records: make(map[string]Record)}
}

func (a *MemoryArchive) Put(r Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[r.DownloadID] = r
	return nil
}

func (a *MemoryArchive) Get(downloadID string) (Record, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	r, ok := a.records[downloadID]
	if !ok {
		return Record{}, fault.New(fault.KindUnknownDownload, "archive get", "download %s not found", downloadID)
	}
	return r, nil
}

func (a *MemoryArchive) List(limit, offset int) ([]Record, int, error) {
	a.mu.RLock()
	all := make([]Record, 0, len(a.records))
	for _, r := range a.records {
		all = append(all, r)
	}
	a.mu.RUnlock()
	page, total := paginate(all, limit, offset)
	return page, total, nil
}

func paginate(all []Record, limit, offset int) ([]Record, int) {
	sort.Slice(all, func(i, j int) bool {
		return completedAt(all[i]).After(completedAt(all[j]))
	})
	total := len(all)
	if offset >= total {
		return []Record{}, total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	return all[offset:end], total
}

func completedAt(r Record) time.Time {
	if r.CompletedAt != nil {
		return *r.CompletedAt
	}
	return r.CreatedAt
}
