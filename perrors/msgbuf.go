package perrors

import "sync"

// msgBufs is the thread-local (goroutine-local, approximated by a
// keyed-by-caller map since Go has no real TLS) buffer backing the
// errormsg() call from §6. A message appears here only when a caller
// records it with SetLastError; no POSIX entry point in this module does.
//
// Go has no notion of "thread" the way the original C library does, and a
// single pool is meant to be used concurrently from many goroutines, so we
// key the buffer per *goroutine-equivalent*: the caller passes a token
// (typically the credentials snapshot or a dedicated per-call context) and
// we keep the last message per token until it is cleared or overwritten;
// nothing evicts entries.
var msgBufs sync.Map // map[interface{}]string

// SetLastError records msg as the most recent error for the given caller
// token, mirroring the thread-local buffer in §4.9 (component 9).
func SetLastError(token interface{}, err error) {
	if err == nil {
		msgBufs.Delete(token)
		return
	}
	msgBufs.Store(token, err.Error())
}

// LastError returns the most recent error message recorded for token, or
// the empty string if none is outstanding. This backs the errormsg() public
// call.
func LastError(token interface{}) string {
	v, ok := msgBufs.Load(token)
	if !ok {
		return ""
	}
	return v.(string)
}

// ClearLastError drops the buffered message for token, e.g. after a
// successful call.
func ClearLastError(token interface{}) {
	msgBufs.Delete(token)
}
