// Package outbox keeps a bounded ring of recent message sends and their state.
package outbox

import (
	"fmt"
	"sync"

	"veranda/internal/models"
)

type Seq int64

type State string

const (
	StatePending   State = "pending"
	StateConfirmed State = "confirmed"
	StateFailed    State = "failed"
)

// Stage is the step of the send pipeline a record is at, or failed in.
type Stage string

const (
	StageCreate   Stage = "create"
	StageCompress Stage = "compress"
	StageUpload   Stage = "upload"
	StageURL      Stage = "url"
	StageUpdate   Stage = "update"
	StageDone     Stage = "done"
)

type Record struct {
	Seq       Seq
	ID        string
	RoomID    string
	MessageID string
	State     State
	Stage     Stage
	Error     string
	HasImage  bool
	UpdatedAt int64
}

type Outbox struct {
	Records    []Record
	FirstSeq   Seq
	LastSeq    Seq
	LastIndex  int
	MaxRecords int

	// RecordCallback is called after every add or update.
	RecordCallback func(record Record)
	// EvictCallback is called when the ring overwrites its oldest record.
	EvictCallback func(record Record)

	mux sync.RWMutex
}

type Config struct {
	MaxRecords     int
	RecordCallback func(record Record)
	EvictCallback  func(record Record)
}

func New(config Config) *Outbox {
	if config.MaxRecords <= 0 {
		config.MaxRecords = 1
	}
	return &Outbox{
		MaxRecords:     config.MaxRecords,
		LastIndex:      -1,
		FirstSeq:       -1,
		LastSeq:        -1,
		RecordCallback: config.RecordCallback,
		EvictCallback:  config.EvictCallback,
	}
}

// Add appends a record to the ring buffer, evicting the oldest one when full.
// Callbacks run after the lock is released.
func (o *Outbox) Add(record Record) Record {
	o.mux.Lock()

	o.LastSeq++
	record.Seq = o.LastSeq

	var evicted *Record
	switch {
	case len(o.Records) < o.MaxRecords:
		if o.FirstSeq == -1 {
			o.FirstSeq = o.LastSeq
		}
		o.Records = append(o.Records, record)
		o.LastIndex++
	default:
		o.FirstSeq++
		i := (o.LastIndex + 1) % o.MaxRecords
		old := o.Records[i]
		evicted = &old
		o.Records[i] = record
		o.LastIndex = i
	}
	recordCallback, evictCallback := o.RecordCallback, o.EvictCallback
	o.mux.Unlock()

	if evicted != nil && evictCallback != nil {
		evictCallback(*evicted)
	}
	if recordCallback != nil {
		recordCallback(record)
	}
	return record
}

// Update applies fn to the record with the given id.
func (o *Outbox) Update(id string, fn func(*Record)) (Record, error) {
	o.mux.Lock()
	i := o.indexOf(id)
	if i < 0 {
		o.mux.Unlock()
		return Record{}, fmt.Errorf("send %s: %w", id, models.ErrNotFound)
	}
	fn(&o.Records[i])
	record := o.Records[i]
	callback := o.RecordCallback
	o.mux.Unlock()

	if callback != nil {
		callback(record)
	}
	return record, nil
}

func (o *Outbox) Get(id string) (Record, bool) {
	o.mux.RLock()
	defer o.mux.RUnlock()
	i := o.indexOf(id)
	if i < 0 {
		return Record{}, false
	}
	return o.Records[i], true
}

func (o *Outbox) indexOf(id string) int {
	for i := range o.Records {
		if o.Records[i].ID == id {
			return i
		}
	}
	return -1
}

// GetLastRecords returns up to count most recent records, oldest first.
func (o *Outbox) GetLastRecords(count int) ([]Record, error) {
	o.mux.RLock()
	defer o.mux.RUnlock()

	if o.LastSeq == -1 || count <= 0 {
		return []Record{}, nil
	}

	total := int(o.LastSeq - o.FirstSeq + 1)
	if count > total {
		count = total
	}
	return o.copyRange(o.LastSeq-Seq(count)+1, count), nil
}

// copyRange copies count records starting at seq from. Must hold o.mux.
func (o *Outbox) copyRange(from Seq, count int) []Record {
	result := make([]Record, count)

	// Head index (oldest record)
	head := 0
	if len(o.Records) == o.MaxRecords {
		head = (o.LastIndex + 1) % o.MaxRecords
	}
	startIdx := (head + int(from-o.FirstSeq)) % len(o.Records)

	if startIdx+count <= len(o.Records) {
		copy(result, o.Records[startIdx:startIdx+count])
	} else {
		n1 := len(o.Records) - startIdx
		copy(result, o.Records[startIdx:])
		copy(result[n1:], o.Records[:count-n1])
	}
	return result
}
