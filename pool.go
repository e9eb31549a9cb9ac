package mqttc

import (
	"bytes"
	"sync"
)

// Buffers that grew past maxPooledBuffer are left to the garbage collector.
const maxPooledBuffer = 64 * 1024

var encodeBufferPool = sync.Pool{
	New: func() any {
		return new(bytes.Buffer)
	},
}

// getEncodeBuffer returns an empty pooled buffer.
func getEncodeBuffer() *bytes.Buffer {
	buf := encodeBufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// putEncodeBuffer returns buf to the pool. The caller must not keep
// references to its bytes.
func putEncodeBuffer(buf *bytes.Buffer) {
	if buf == nil || buf.Cap() > maxPooledBuffer {
		return
	}
	encodeBufferPool.Put(buf)
}
