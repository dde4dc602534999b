package cogoverlay

import (
	"bytes"
	"sync"
)

// Compressed blocks are read into pooled buffers. Sizes are bucketed so a
// pooled slice always has one of the capacities below.
var bufferClasses = [...]int{
	64 * 1024,       // small tiles
	256 * 1024,      // 256x256 tiles
	1024 * 1024,     // 512x512 tiles and strips
	4 * 1024 * 1024, // large tiles
}

var bufferPools [len(bufferClasses)]sync.Pool

func init() {
	for i, size := range bufferClasses {
		size := size
		bufferPools[i].New = func() any {
			buf := make([]byte, size)
			return &buf
		}
	}
}

// GetBuffer returns a byte slice of length size, pooled when size fits one
// of the buffer classes. Call PutBuffer when done with it.
func GetBuffer(size int) []byte {
	for i, class := range bufferClasses {
		if size <= class {
			buf := bufferPools[i].Get().(*[]byte)
			return (*buf)[:size]
		}
	}
	return make([]byte, size)
}

// PutBuffer returns a slice obtained from GetBuffer to the pool. The slice
// must not be used afterwards.
func PutBuffer(buf []byte) {
	c := cap(buf)
	for i, class := range bufferClasses {
		if c == class {
			buf = buf[:c]
			bufferPools[i].Put(&buf)
			return
		}
	}
}

var bytesBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// GetBytesBuffer returns an empty bytes.Buffer from the pool.
func GetBytesBuffer() *bytes.Buffer {
	buf := bytesBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBytesBuffer returns a bytes.Buffer to the pool. Very large buffers are
// dropped.
func PutBytesBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > bufferClasses[len(bufferClasses)-1] {
		return
	}
	bytesBufferPool.Put(buf)
}
