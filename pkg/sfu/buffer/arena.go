// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package buffer

import (
	"sync"

	"github.com/livekit/pcengine/pkg/rtc/types"
)

type slot struct {
	generation uint32
	buffer     *JitterBuffer
}

// Arena owns every receive-side jitter buffer of a connection. Other components hold
// handles into it and resolve them on use, a released buffer resolves to nothing.
type Arena struct {
	lock   sync.RWMutex
	params JitterBufferParams
	slots  []slot
	free   []uint32
}

func NewArena(params JitterBufferParams) *Arena {
	return &Arena{params: params}
}

func (a *Arena) Allocate(ssrc uint32, clockRate uint32) (types.JitterBufferHandle, *JitterBuffer) {
	jb := NewJitterBuffer(ssrc, clockRate, a.params)

	a.lock.Lock()
	defer a.lock.Unlock()

	var index uint32
	if n := len(a.free); n > 0 {
		index = a.free[n-1]
		a.free = a.free[:n-1]
	} else {
		index = uint32(len(a.slots))
		a.slots = append(a.slots, slot{})
	}
	s := &a.slots[index]
	s.generation++
	s.buffer = jb

	return types.JitterBufferHandle{Index: index, Generation: s.generation}, jb
}

func (a *Arena) Get(h types.JitterBufferHandle) (*JitterBuffer, bool) {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.getLocked(h)
}

func (a *Arena) getLocked(h types.JitterBufferHandle) (*JitterBuffer, bool) {
	if !h.IsValid() || int(h.Index) >= len(a.slots) {
		return nil, false
	}
	s := a.slots[h.Index]
	if s.generation != h.Generation || s.buffer == nil {
		return nil, false
	}
	return s.buffer, true
}

func (a *Arena) Resolve(h types.JitterBufferHandle) (types.JitterBufferStats, bool) {
	jb, ok := a.Get(h)
	if !ok {
		return types.JitterBufferStats{}, false
	}
	return jb.Stats(), true
}

// Release closes the buffer and invalidates every outstanding handle to it
func (a *Arena) Release(h types.JitterBufferHandle) bool {
	a.lock.Lock()
	jb, ok := a.getLocked(h)
	if !ok {
		a.lock.Unlock()
		return false
	}
	a.slots[h.Index].buffer = nil
	a.free = append(a.free, h.Index)
	a.lock.Unlock()

	_ = jb.Close()
	return true
}

func (a *Arena) Len() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return len(a.slots) - len(a.free)
}

func (a *Arena) Close() {
	a.lock.Lock()
	buffers := make([]*JitterBuffer, 0, len(a.slots))
	for i := range a.slots {
		if a.slots[i].buffer != nil {
			buffers = append(buffers, a.slots[i].buffer)
			a.slots[i].buffer = nil
			a.free = append(a.free, uint32(i))
		}
	}
	a.lock.Unlock()

	for _, jb := range buffers {
		_ = jb.Close()
	}
}
