package engine

// mailbox — очередь задач одного file_id. Горутина-обработчик
// создаётся при первой задаче и завершается, когда очередь пуста.
// Очередь не ограничена: Report координатора никогда не блокируется.
type mailbox struct {
	tasks []func()
}

// enqueue добавляет задачу в почтовый ящик fileID.
// external — задача от внешнего API: после Close не принимается.
// Внутренние задачи (события передач) принимаются до полной остановки.
func (e *Engine) enqueue(fileID string, external bool, fn func()) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.stopped || (external && e.closed) {
		return false
	}
	box, ok := e.boxes[fileID]
	if !ok {
		box = &mailbox{}
		e.boxes[fileID] = box
		e.wg.Add(1)
		mailboxesActive.Inc()
		go e.drain(fileID, box)
	}
	box.tasks = append(box.tasks, fn)
	mailboxDepth.Observe(float64(len(box.tasks)))
	return true
}

// drain выполняет задачи ящика по порядку.
func (e *Engine) drain(fileID string, box *mailbox) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if len(box.tasks) == 0 {
			delete(e.boxes, fileID)
			e.mu.Unlock()
			mailboxesActive.Dec()
			return
		}
		fn := box.tasks[0]
		box.tasks[0] = nil
		box.tasks = box.tasks[1:]
		e.mu.Unlock()

		fn()
	}
}
