package mem

import "unsafe"

// Memset sets size bytes at the given address to the supplied value. Instead
// of touching each byte in a loop, the first byte is set and the block is
// then filled with log2(size) copy calls.
func Memset(addr uintptr, value byte, size Size) {
	if size == 0 {
		return
	}

	target := unsafe.Slice((*byte)(unsafe.Pointer(addr)), int(size))

	target[0] = value
	for index := Size(1); index < size; index *= 2 {
		copy(target[index:], target[:index])
	}
}
