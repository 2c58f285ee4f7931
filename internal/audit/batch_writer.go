package audit

import (
	"log"
	"sync"
	"sync/atomic"
	"time"

	"execution-core/pkg/db"
)

// batchWriter buffers audit rows and writes them in one transaction, either
// when the buffer fills or on a timer.
type batchWriter struct {
	db          *db.Database
	buffer      []db.AuditEvent
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup

	totalWrites  uint64
	totalBatches uint64
	totalErrors  uint64
}

func newBatchWriter(database *db.Database, maxSize int, interval time.Duration) *batchWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	bw := &batchWriter{
		db:          database,
		buffer:      make([]db.AuditEvent, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	bw.wg.Add(1)
	go bw.backgroundFlush()

	return bw
}

func (bw *batchWriter) write(row db.AuditEvent) {
	bw.mu.Lock()
	bw.buffer = append(bw.buffer, row)
	shouldFlush := len(bw.buffer) >= bw.maxSize
	bw.mu.Unlock()

	if shouldFlush {
		if err := bw.flush(); err != nil {
			log.Printf("audit: batch flush error: %v", err)
		}
	}
}

func (bw *batchWriter) flush() error {
	bw.mu.Lock()
	if len(bw.buffer) == 0 {
		bw.mu.Unlock()
		return nil
	}
	rows := bw.buffer
	bw.buffer = make([]db.AuditEvent, 0, bw.maxSize)
	bw.mu.Unlock()

	return bw.executeBatch(rows)
}

func (bw *batchWriter) executeBatch(rows []db.AuditEvent) error {
	if bw.db == nil || len(rows) == 0 {
		return nil
	}

	atomic.AddUint64(&bw.totalWrites, uint64(len(rows)))
	atomic.AddUint64(&bw.totalBatches, 1)

	tx, err := bw.db.DB.Begin()
	if err != nil {
		atomic.AddUint64(&bw.totalErrors, 1)
		return err
	}

	for _, r := range rows {
		if _, err := tx.Exec(`
			INSERT INTO audit_events (id, kind, entity_type, entity_id, session_id, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, r.ID, r.Kind, r.EntityType, r.EntityID, r.SessionID, r.Payload, r.CreatedAt); err != nil {
			tx.Rollback()
			atomic.AddUint64(&bw.totalErrors, 1)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&bw.totalErrors, 1)
		return err
	}
	return nil
}

func (bw *batchWriter) backgroundFlush() {
	defer bw.wg.Done()
	ticker := time.NewTicker(bw.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := bw.flush(); err != nil {
				log.Printf("audit: background flush error: %v", err)
			}
		case <-bw.done:
			if err := bw.flush(); err != nil {
				log.Printf("audit: final flush error: %v", err)
			}
			return
		}
	}
}

func (bw *batchWriter) close() error {
	close(bw.done)
	bw.wg.Wait()
	return nil
}
