//go:build !kdebug

package pmm

// debugChecks turns allocator misuse into a panic when set.
const debugChecks = false
