//go:build linux

package vmm

import (
	"fmt"
	"os"

	"github.com/bao-project/bao-virtio-dm/internal/baoerr"
)

// openBlockFile opens a block device's backing file, honoring its
// configured read-only flag.
func openBlockFile(path string, readOnly bool) (*os.File, error) {
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, &baoerr.OpenFdFailed{What: fmt.Sprintf("block backing file %s", path), Err: err}
	}
	return f, nil
}
