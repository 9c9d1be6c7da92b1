package util

//
// Copyright (c) 2019 ARM Limited.
//
// SPDX-License-Identifier: MIT
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to
// deal in the Software without restriction, including without limitation the
// rights to use, copy, modify, merge, publish, distribute, sublicense, and/or
// sell copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.
//

import (
    "sync"
)

type multiLockEntry struct {
    permits chan int
    waiters int
}

// MultiLock is a keyed mutual exclusion lock. Goroutines locking with the
// same partitioning key are serialized while goroutines locking with
// distinct keys proceed in parallel. Each key behaves like a semaphore with
// unit weight.
type MultiLock struct {
    mapMutex sync.Mutex
    lockMap map[string]*multiLockEntry
}

func NewMultiLock() *MultiLock {
    return &MultiLock{
        lockMap: make(map[string]*multiLockEntry),
    }
}

func (multiLock *MultiLock) Lock(partitioningKey []byte) {
    multiLock.mapMutex.Lock()

    entry, ok := multiLock.lockMap[string(partitioningKey)]

    if !ok {
        entry = &multiLockEntry{
            permits: make(chan int, 1),
        }

        entry.permits <- 1
        multiLock.lockMap[string(partitioningKey)] = entry
    }

    entry.waiters += 1
    multiLock.mapMutex.Unlock()

    <-entry.permits
}

func (multiLock *MultiLock) Unlock(partitioningKey []byte) {
    multiLock.mapMutex.Lock()
    defer multiLock.mapMutex.Unlock()

    entry, ok := multiLock.lockMap[string(partitioningKey)]

    if !ok {
        return
    }

    entry.waiters -= 1

    if entry.waiters == 0 {
        delete(multiLock.lockMap, string(partitioningKey))

        return
    }

    entry.permits <- 1
}
