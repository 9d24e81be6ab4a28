//go:build !unix

package main

// raiseFdLimit is a no-op on platforms without setrlimit.
func raiseFdLimit() {}
