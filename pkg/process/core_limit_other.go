//go:build !linux

package process

import "fmt"

func RaiseCoreLimit(pid int) error {
	return fmt.Errorf("raising the core limit of another process is not supported on this platform")
}
