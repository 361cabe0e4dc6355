//go:build !unix

package probe

func getMaxFDs() int { return -1 }
