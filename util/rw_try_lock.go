package util

import (
    "sync"
)

// RWTryLock is a write-preferring lock whose read side never blocks: TryRLock
// fails immediately once a writer has arrived.
type RWTryLock struct {
    mu sync.Mutex
    readers int
    writerWaiting bool
    writerDone chan int
}

func (lock *RWTryLock) TryRLock() bool {
    lock.mu.Lock()
    defer lock.mu.Unlock()

    if lock.writerWaiting {
        return false
    }

    lock.readers += 1

    return true
}

func (lock *RWTryLock) RUnlock() {
    lock.mu.Lock()
    defer lock.mu.Unlock()

    lock.readers -= 1

    if lock.readers == 0 && lock.writerDone != nil {
        close(lock.writerDone)
        lock.writerDone = nil
    }
}

func (lock *RWTryLock) WLock() {
    lock.mu.Lock()
    lock.writerWaiting = true

    if lock.readers == 0 {
        lock.mu.Unlock()

        return
    }

    drained := make(chan int)
    lock.writerDone = drained
    lock.mu.Unlock()

    <-drained
}

func (lock *RWTryLock) WUnlock() {
    lock.mu.Lock()
    defer lock.mu.Unlock()

    lock.writerWaiting = false
}
