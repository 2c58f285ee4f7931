package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"execution-core/pkg/broker"
	"execution-core/pkg/db"
)

const (
	walOpSubmit = "SUBMIT"
	walOpDone   = "DONE"
)

// walRecord is one append-only entry in the submission log.
type walRecord struct {
	Op         string    `json:"op"`
	OrderID    string    `json:"order_id"`
	AdapterID  string    `json:"adapter_id,omitempty"`
	Instrument string    `json:"instrument,omitempty"`
	At         time.Time `json:"at"`
}

// WAL is a write-ahead log of order submissions. Every intent is logged
// before the broker call and marked done on the terminal transition, so a
// crash leaves a precise list of orders whose broker-side state must be
// reconciled before trading resumes.
type WAL struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	writer  *bufio.Writer
	appends int
}

// compactThreshold bounds file growth between compactions.
const compactThreshold = 10000

// OpenWAL opens (or creates) the log at path.
func OpenWAL(path string) (*WAL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create wal dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open wal: %w", err)
	}
	return &WAL{path: path, file: f, writer: bufio.NewWriter(f)}, nil
}

// Append durably logs one record. The sync happens before the broker call
// so the intent survives a crash mid-submission.
func (w *WAL) Append(r walRecord) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	r.At = time.Now()
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	if _, err := w.writer.Write(append(data, '\n')); err != nil {
		return err
	}
	if err := w.writer.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}

	w.appends++
	if w.appends >= compactThreshold {
		return w.compactLocked()
	}
	return nil
}

// Pending returns order ids that were submitted but never reached a
// terminal state, in submission order. Called once at startup; the caller
// resolves each through reconciliation rather than resubmitting.
func (w *WAL) Pending() ([]walRecord, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.pendingLocked()
}

func (w *WAL) pendingLocked() ([]walRecord, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	open := make(map[string]walRecord)
	var order []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r walRecord
		if err := json.Unmarshal(line, &r); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		switch r.Op {
		case walOpSubmit:
			if _, ok := open[r.OrderID]; !ok {
				order = append(order, r.OrderID)
			}
			open[r.OrderID] = r
		case walOpDone:
			delete(open, r.OrderID)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	out := make([]walRecord, 0, len(open))
	for _, id := range order {
		if r, ok := open[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

// RecoverPending parks every logged-but-unresolved submission in UNKNOWN so
// reconciliation resolves it against the broker. An order that crashed
// between persistence and the broker ack rests at NEW with no broker id;
// without this step nothing would ever move it forward. Returns the number
// of orders parked.
func (w *WAL) RecoverPending(ctx context.Context, database *db.Database) (int, error) {
	pending, err := w.Pending()
	if err != nil {
		return 0, err
	}
	if database == nil {
		return 0, nil
	}

	parked := 0
	for _, rec := range pending {
		o, err := database.GetOrder(ctx, rec.OrderID)
		if err == db.ErrNotFound {
			// Logged before the order row committed; nothing to resolve.
			continue
		}
		if err != nil {
			return parked, err
		}
		status := broker.OrderStatus(o.Status)
		if status.Terminal() || status == broker.StatusUnknown {
			continue
		}
		if err := database.UpdateOrderStatus(ctx, o.ID, string(broker.StatusUnknown), broker.CodeAckTimeout); err != nil {
			return parked, err
		}
		log.Printf("recovery: order %s (%s) was in flight at shutdown, parked UNKNOWN for reconciliation",
			o.ID, o.Instrument)
		parked++
	}
	return parked, nil
}

// compactLocked rewrites the log keeping only unresolved submissions.
func (w *WAL) compactLocked() error {
	pending, err := w.pendingLocked()
	if err != nil {
		return err
	}

	tmp := w.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	bw := bufio.NewWriter(f)
	for _, r := range pending {
		data, err := json.Marshal(r)
		if err != nil {
			f.Close()
			return err
		}
		if _, err := bw.Write(append(data, '\n')); err != nil {
			f.Close()
			return err
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	w.writer.Flush()
	w.file.Close()
	if err := os.Rename(tmp, w.path); err != nil {
		return err
	}
	nf, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = nf
	w.writer = bufio.NewWriter(nf)
	w.appends = 0
	return nil
}

// Close flushes and closes the log file.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writer != nil {
		w.writer.Flush()
	}
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}
