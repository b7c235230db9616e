package dispatcher

import "github.com/google/uuid"

// fairQueue — очередь ожидающих submissions.
//
// Внутри run порядок FIFO; между runs выборка идёт по кругу,
// поэтому run с большим числом samples не вытесняет остальные.
// Не потокобезопасна: используется под мьютексом Dispatcher'а.
type fairQueue struct {
	queues map[uuid.UUID][]*Handle
	ring   []uuid.UUID
	size   int
}

func newFairQueue() *fairQueue {
	return &fairQueue{queues: make(map[uuid.UUID][]*Handle)}
}

// push добавляет handle в хвост очереди его run.
func (q *fairQueue) push(h *Handle) {
	runID := h.spec.RunID
	if _, ok := q.queues[runID]; !ok {
		q.ring = append(q.ring, runID)
	}
	q.queues[runID] = append(q.queues[runID], h)
	q.size++
}

// pop берёт голову очереди первого run в кольце и переносит run в хвост кольца.
func (q *fairQueue) pop() (*Handle, bool) {
	if len(q.ring) == 0 {
		return nil, false
	}
	runID := q.ring[0]
	q.ring = q.ring[1:]

	pending := q.queues[runID]
	h := pending[0]
	pending = pending[1:]
	if len(pending) == 0 {
		delete(q.queues, runID)
	} else {
		q.queues[runID] = pending
		q.ring = append(q.ring, runID)
	}
	q.size--
	return h, true
}

// remove удаляет handle из очереди. Возвращает false, если его там нет.
func (q *fairQueue) remove(h *Handle) bool {
	runID := h.spec.RunID
	pending := q.queues[runID]
	for i, p := range pending {
		if p != h {
			continue
		}
		pending = append(pending[:i:i], pending[i+1:]...)
		q.size--
		if len(pending) == 0 {
			q.dropRun(runID)
		} else {
			q.queues[runID] = pending
		}
		return true
	}
	return false
}

// removeRun удаляет и возвращает все ожидающие handles run.
func (q *fairQueue) removeRun(runID uuid.UUID) []*Handle {
	pending := q.queues[runID]
	if len(pending) == 0 {
		return nil
	}
	q.size -= len(pending)
	q.dropRun(runID)
	return pending
}

// drain удаляет и возвращает все ожидающие handles.
func (q *fairQueue) drain() []*Handle {
	var all []*Handle
	for _, runID := range q.ring {
		all = append(all, q.queues[runID]...)
	}
	q.queues = make(map[uuid.UUID][]*Handle)
	q.ring = nil
	q.size = 0
	return all
}

func (q *fairQueue) dropRun(runID uuid.UUID) {
	delete(q.queues, runID)
	for i, id := range q.ring {
		if id == runID {
			q.ring = append(q.ring[:i], q.ring[i+1:]...)
			break
		}
	}
}

func (q *fairQueue) len() int {
	return q.size
}
