//go:build !unix

package filesystem

import "errors"

func freeBytes(string) (int64, error) {
	return 0, errors.New("free space probe not supported on this platform")
}
