//go:build windows

package main

// watchResize is a no-op on Windows, which has no SIGWINCH.
func watchResize(fd int, onResize func(cols, rows int)) func() {
	return func() {}
}
